// Package index is the off-ledger side index: asset metadata and swap
// coordination records. It is eventually consistent with the ledger and never
// consulted to authorize a fund movement.
package index

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	bmerrors "batchmint/core/errors"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = bmerrors.ErrNotFound

// ErrConflict is returned when a conditional update finds the record in an
// unexpected status.
var ErrConflict = errors.New("index: record changed concurrently")

// DefaultQueryLimit caps query results when the filter sets no limit.
const DefaultQueryLimit = 100

// Store wraps the gorm handle.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn. postgres:// and postgresql:// URLs use PostgreSQL;
// anything else is handed to SQLite, so a file path or
// "file::memory:?cache=shared" both work.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, bmerrors.Validation("dsn", "index dsn required")
	}
	pg := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
	var dialector gorm.Dialector
	if pg {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if !pg {
		// SQLite allows a single writer; queue statements instead of failing busy.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db)
}

// New migrates the schema on db and returns a Store.
func New(db *gorm.DB) (*Store, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// PutAsset inserts or replaces an asset record.
func (s *Store) PutAsset(ctx context.Context, rec *AssetRecord) error {
	if rec == nil || rec.AssetID == 0 {
		return bmerrors.Validation("assetId", "asset id required")
	}
	return s.db.WithContext(ctx).Save(rec).Error
}

// GetAsset loads the record of assetID.
func (s *Store) GetAsset(ctx context.Context, assetID uint64) (*AssetRecord, error) {
	var rec AssetRecord
	if err := s.db.WithContext(ctx).First(&rec, "asset_id = ?", assetID).Error; err != nil {
		return nil, notFound(err, "asset %d", assetID)
	}
	return &rec, nil
}

// AddSupply raises the current supply of assetID by amount in one statement,
// setting status to full once the total is reached and to partial otherwise.
// Concurrent callers never lose an increment. It returns ErrConflict, with the
// stored record, when the increase would exceed the total supply.
func (s *Store) AddSupply(ctx context.Context, assetID, amount uint64, partial, full string) (*AssetRecord, error) {
	res := s.db.WithContext(ctx).Model(&AssetRecord{}).
		Where("asset_id = ? AND current_supply + ? <= total_supply", assetID, amount).
		Updates(map[string]any{
			"current_supply": gorm.Expr("current_supply + ?", amount),
			"status":         gorm.Expr("CASE WHEN current_supply + ? >= total_supply THEN ? ELSE ? END", amount, full, partial),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	rec, err := s.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return rec, fmt.Errorf("%w: asset %d supply %d of %d cannot grow by %d",
			ErrConflict, assetID, rec.CurrentSupply, rec.TotalSupply, amount)
	}
	return rec, nil
}

// AssetFilter narrows QueryAssets. Zero fields match everything.
type AssetFilter struct {
	Creator  string
	Status   string
	EventRef string
	Limit    int
}

// QueryAssets returns matching records ordered by asset id.
func (s *Store) QueryAssets(ctx context.Context, f AssetFilter) ([]AssetRecord, error) {
	query := s.db.WithContext(ctx).Model(&AssetRecord{})
	if f.Creator != "" {
		query = query.Where("creator = ?", f.Creator)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.EventRef != "" {
		query = query.Where("event_ref = ?", f.EventRef)
	}
	var out []AssetRecord
	if err := query.Order("asset_id").Limit(limit(f.Limit)).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// PutSwap inserts or replaces a swap record.
func (s *Store) PutSwap(ctx context.Context, rec *SwapRecord) error {
	if rec == nil || rec.ID == uuid.Nil {
		return bmerrors.Validation("swapId", "swap id required")
	}
	return s.db.WithContext(ctx).Save(rec).Error
}

// UpdateSwap replaces rec only if the stored record still has status from.
// It returns ErrConflict otherwise.
func (s *Store) UpdateSwap(ctx context.Context, rec *SwapRecord, from string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current SwapRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, "id = ?", rec.ID).Error; err != nil {
			return notFound(err, "swap %s", rec.ID)
		}
		if current.Status != from {
			return fmt.Errorf("%w: swap %s is %s, expected %s", ErrConflict, rec.ID, current.Status, from)
		}
		return tx.Save(rec).Error
	})
}

// GetSwap loads the swap id.
func (s *Store) GetSwap(ctx context.Context, id uuid.UUID) (*SwapRecord, error) {
	var rec SwapRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "swap %s", id)
	}
	return &rec, nil
}

// SwapFilter narrows QuerySwaps. Party matches either leg's sender.
type SwapFilter struct {
	Status        string
	Party         string
	ExpiresBefore time.Time
	Limit         int
}

// QuerySwaps returns matching records ordered by expiry.
func (s *Store) QuerySwaps(ctx context.Context, f SwapFilter) ([]SwapRecord, error) {
	query := s.db.WithContext(ctx).Model(&SwapRecord{})
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.Party != "" {
		query = query.Where("(leg_a_from = ? OR leg_b_from = ?)", f.Party, f.Party)
	}
	if !f.ExpiresBefore.IsZero() {
		query = query.Where("expiry <= ?", f.ExpiresBefore.Unix())
	}
	var out []SwapRecord
	if err := query.Order("expiry").Limit(limit(f.Limit)).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func limit(n int) int {
	if n <= 0 || n > DefaultQueryLimit {
		return DefaultQueryLimit
	}
	return n
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return bmerrors.NotFound(format, args...)
	}
	return err
}

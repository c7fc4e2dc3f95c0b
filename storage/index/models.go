package index

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AssetRecord is the off-ledger metadata of an issued asset, keyed by its
// ledger asset id. Supply figures mirror what the issuance service moved and
// are never used to authorize a transfer.
type AssetRecord struct {
	AssetID           uint64            `gorm:"primaryKey;autoIncrement:false" json:"assetId"`
	Creator           string            `gorm:"size:64;index" json:"creator"`
	UnitName          string            `gorm:"size:8" json:"unitName"`
	AssetName         string            `gorm:"size:32" json:"assetName"`
	TotalSupply       uint64            `gorm:"not null" json:"totalSupply"`
	CurrentSupply     uint64            `gorm:"not null" json:"currentSupply"`
	Decimals          uint32            `gorm:"not null" json:"decimals"`
	Authorities       map[string]string `gorm:"serializer:json;type:text" json:"authorities"`
	Attributes        map[string]string `gorm:"serializer:json;type:text" json:"attributes,omitempty"`
	RoyaltyPercentage float64           `gorm:"not null;default:0" json:"royaltyPercentage"`
	Status            string            `gorm:"size:16;index" json:"status"`
	EventRef          string            `gorm:"size:128;index" json:"eventRef,omitempty"`
	MetadataRef       string            `gorm:"size:255" json:"metadataRef,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// SwapLeg is one side of a swap. AssetID zero means native currency.
type SwapLeg struct {
	AssetID uint64
	Amount  uint64 `gorm:"not null"`
	From    string `gorm:"size:64;index"`
	To      string `gorm:"size:64"`
}

// SwapRecord is the coordination record of a two-party swap. Expiry is in
// unix seconds. Group holds the built transactions as JSON once the swap has
// been built.
type SwapRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	LegA      SwapLeg   `gorm:"embedded;embeddedPrefix:leg_a_"`
	LegB      SwapLeg   `gorm:"embedded;embeddedPrefix:leg_b_"`
	Status    string    `gorm:"size:16;index"`
	Expiry    int64     `gorm:"index"`
	GroupID   string    `gorm:"size:64"`
	Group     string    `gorm:"type:text"`
	Round     uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AutoMigrate creates or updates the index schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&AssetRecord{},
		&SwapRecord{},
	)
}

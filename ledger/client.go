// Package ledger is the adapter between settlement components and the external
// ledger service. The ledger is the source of truth for balances and
// application state; it serializes every commit, which is what the
// coordinators rely on instead of in-process locks.
package ledger

import (
	"context"
	"time"

	bmerrors "batchmint/core/errors"
	"batchmint/core/types"
)

// DefaultConfirmRounds bounds how long callers wait for a submitted group.
const DefaultConfirmRounds = 10

// ParamsSource supplies fresh network parameters.
type ParamsSource interface {
	SuggestedParams(ctx context.Context) (types.SuggestedParams, error)
}

// Client is the ledger collaborator contract.
type Client interface {
	ParamsSource
	// Submit hands a fully signed group to the ledger and returns the id of
	// its first transaction. The ledger commits all legs or none.
	Submit(ctx context.Context, group []types.SignedTxn) (types.Hash, error)
	// WaitForConfirmation blocks until txID is committed or rounds elapse.
	WaitForConfirmation(ctx context.Context, txID types.Hash, rounds uint64) (*types.Confirmation, error)
	AccountInfo(ctx context.Context, addr types.Address) (*types.AccountInfo, error)
	ApplicationInfo(ctx context.Context, appID uint64) (*types.ApplicationInfo, error)
	AssetInfo(ctx context.Context, assetID uint64) (*types.AssetInfo, error)
}

// SubmitAndWait submits group and waits for its confirmation. Once Submit
// has succeeded, any failure other than a ledger rejection is reported as an
// OutcomeUnknownError carrying the transaction id.
func SubmitAndWait(ctx context.Context, c Client, group []types.SignedTxn, rounds uint64) (*types.Confirmation, error) {
	if rounds == 0 {
		rounds = DefaultConfirmRounds
	}
	txID, err := c.Submit(ctx, group)
	if err != nil {
		return nil, err
	}
	conf, err := c.WaitForConfirmation(ctx, txID, rounds)
	if err != nil {
		if bmerrors.IsRejected(err) {
			return nil, err
		}
		return nil, bmerrors.OutcomeUnknown("wait for confirmation", txID.String(), err)
	}
	return conf, nil
}

// Retry runs fn up to attempts times while it fails with a retryable error,
// sleeping backoff (doubling) between attempts. Only use it for operations that
// are safe to repeat: reads, or submissions that never reached the ledger.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil || !bmerrors.IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return bmerrors.Network("retry", ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
	return err
}

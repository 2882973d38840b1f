package aggregator

import (
	"context"
	"time"

	"github.com/better-wallet/wallet-core/internal/logger"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// CurrentAccount yields the selected account
type CurrentAccount interface {
	Current(ctx context.Context) (types.Account, bool, error)
}

// Poll runs a full refresh of the current account right away and then every
// interval until ctx is done. Accounts are looked up each cycle so a switch
// takes effect on the next tick. kick forces an early cycle. With a zero
// interval only kicks trigger a cycle.
func (a *Aggregator) Poll(ctx context.Context, accounts CurrentAccount, interval time.Duration, kick <-chan struct{}) {
	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	if interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		a.pollOnce(ctx, accounts)
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-kick:
			if ticker != nil {
				ticker.Reset(interval)
			}
		}
	}
}

func (a *Aggregator) pollOnce(ctx context.Context, accounts CurrentAccount) {
	acct, ok, err := accounts.Current(ctx)
	if err != nil {
		logger.Warn(ctx, "balance poll: failed to read current account", "error", err)
		return
	}
	if !ok {
		return
	}
	if err := a.Refresh(ctx, acct); err != nil && ctx.Err() == nil {
		logger.Warn(ctx, "balance poll failed", "account_id", acct.ID, "error", err)
	}
}

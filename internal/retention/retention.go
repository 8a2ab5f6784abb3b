// Package retention runs the daily sweep that deletes expired Request
// Ledger rows and stale revoked KeyUser rows. Expired ledger rows
// already read as non-pending (Request.Pending is false once ExpiresAt
// passes), so this is garbage collection, not a correctness
// requirement — but without it the store grows unbounded.
//
// Scheduling follows progressdb's internal/retention/retention.go:
// gronx computes the next tick for a cron expression and the scheduler
// sleeps until exactly then, rather than polling on a fixed ticker.
package retention

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"bunkerd/internal/acl"
	"bunkerd/internal/ledger"
	"bunkerd/internal/logger"
)

// DefaultCron runs the sweep once a day at 02:00.
const DefaultCron = "0 2 * * *"

// Sweeper owns the stores the daily GC pass touches.
type Sweeper struct {
	Ledger *ledger.Ledger
	ACL    *acl.Store
	Cron   string
}

func New(led *ledger.Ledger, aclStore *acl.Store, cronExpr string) *Sweeper {
	if cronExpr == "" {
		cronExpr = DefaultCron
	}
	return &Sweeper{Ledger: led, ACL: aclStore, Cron: cronExpr}
}

// Start validates the cron expression and runs the scheduler loop in
// the background until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context) error {
	if !gronx.IsValid(s.Cron) {
		return &invalidCronError{expr: s.Cron}
	}
	go s.runScheduler(ctx)
	return nil
}

type invalidCronError struct{ expr string }

func (e *invalidCronError) Error() string { return "invalid retention cron expression: " + e.expr }

func (s *Sweeper) runScheduler(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(s.Cron, now, false)
		if err != nil {
			logger.Warn("retention_nexttick_failed", "cron", s.Cron, "err", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
			s.RunOnce()
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single sweep: pruning expired ledger rows and
// stale ACL rows (expired/redeemed tokens, long-revoked KeyUsers), and
// logging a summary. Exposed directly so tests (or an admin trigger)
// can run it on demand without waiting for the cron tick.
func (s *Sweeper) RunOnce() {
	pruned, err := s.Ledger.PruneExpired()
	if err != nil {
		logger.Warn("retention_ledger_prune_failed", "err", err)
	} else if pruned > 0 {
		logger.Info("retention_ledger_pruned", "count", pruned)
	}

	tokens, keyUsers, err := s.ACL.PruneStale(time.Now().UTC())
	if err != nil {
		logger.Warn("retention_acl_prune_failed", "err", err)
		return
	}
	if tokens > 0 || keyUsers > 0 {
		logger.Info("retention_acl_pruned", "tokens", tokens, "key_users", keyUsers)
	}
}

// Package lease stops two exports of the same index and output base from
// running at once. A lease is a Redis key holding the owner's token with a
// TTL; the owner keeps extending it while the run is active and deletes it
// at the end, both guarded by the token.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/logexport/pkg/errors"
)

const keyPrefix = "logexport:lease:"

// Store is the subset of pkg/redis.Client a lease needs.
type Store interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	ExtendIfValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	DeleteIfValue(ctx context.Context, key, value string) (bool, error)
}

type Manager struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

func New(store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Manager{
		store:  store,
		ttl:    ttl,
		logger: slog.Default().With("component", "lease"),
	}
}

func Key(index, base string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, index, base)
}

// Lease is a held lease. It must be released by its owner.
type Lease struct {
	m     *Manager
	key   string
	token string
}

// Acquire takes the lease for (index, base) on behalf of token, typically
// the run id. A lease held by someone else yields ErrLeaseHeld.
func (m *Manager) Acquire(ctx context.Context, index, base, token string) (*Lease, error) {
	key := Key(index, base)
	ok, err := m.store.SetNX(ctx, key, token, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquiring lease %s: %w", key, err)
	}
	if !ok {
		holder, _, gerr := m.store.Get(ctx, key)
		if gerr != nil || holder == "" {
			holder = "unknown"
		}
		return nil, apperrors.Newf(apperrors.ErrLeaseHeld, "export of %s into %q already running (holder %s)", index, base, holder)
	}
	m.logger.Info("lease acquired", "key", key, "ttl", m.ttl)
	return &Lease{m: m, key: key, token: token}, nil
}

func (l *Lease) Key() string { return l.key }

// Keep extends the lease every third of its TTL until ctx is done. It
// returns nil on cancellation and ErrLeaseHeld if the lease was lost to
// expiry. Store errors are logged and retried on the next tick.
func (l *Lease) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.m.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ok, err := l.m.store.ExtendIfValue(ctx, l.key, l.token, l.m.ttl)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				l.m.logger.Warn("lease refresh failed", "key", l.key, "error", err)
				continue
			}
			if !ok {
				return apperrors.Newf(apperrors.ErrLeaseHeld, "lease %s lost", l.key)
			}
			l.m.logger.Debug("lease extended", "key", l.key)
		}
	}
}

// Release deletes the lease if it is still ours. It runs on a context
// detached from ctx's cancellation so interrupted runs still release.
func (l *Lease) Release(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	ok, err := l.m.store.DeleteIfValue(ctx, l.key, l.token)
	if err != nil {
		return fmt.Errorf("releasing lease %s: %w", l.key, err)
	}
	if !ok {
		l.m.logger.Warn("lease already expired or taken over", "key", l.key)
		return nil
	}
	l.m.logger.Info("lease released", "key", l.key)
	return nil
}

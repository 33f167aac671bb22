// Package accounts maintains the broker account roster: failover ordering
// for the stream manager and background health probing.
package accounts

import (
	"context"
	"fmt"
	"log"
	"sort"

	"riskwatch/internal/events"
	"riskwatch/pkg/db"
)

// Registry orders accounts for failover and records health transitions.
// It satisfies the stream manager's directory dependency.
type Registry struct {
	store *db.Database
	bus   *events.Bus
}

func NewRegistry(store *db.Database, bus *events.Bus) *Registry {
	return &Registry{store: store, bus: bus}
}

// Candidates returns the current primary first, then backups ordered by
// priority with connected accounts ahead of disconnected ones.
func (r *Registry) Candidates(ctx context.Context) ([]db.Account, error) {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	sort.SliceStable(accounts, func(i, j int) bool {
		a, b := accounts[i], accounts[j]
		if a.Role != b.Role {
			return a.Role == db.RolePrimary
		}
		if a.Health != b.Health {
			return a.Health == db.HealthConnected
		}
		return a.Priority < b.Priority
	})
	return accounts, nil
}

// Promote makes the given account the sole primary. The caller records the
// promotion activity.
func (r *Registry) Promote(ctx context.Context, id, reason string) error {
	if err := r.store.PromoteAccount(ctx, id); err != nil {
		return fmt.Errorf("promote %s: %w", id, err)
	}
	log.Printf("[accounts] %s promoted to primary (%s)", id, reason)
	return nil
}

// MarkHealth updates the stored health state.
func (r *Registry) MarkHealth(ctx context.Context, id, health string) error {
	return r.store.SetAccountHealth(ctx, id, health)
}

package tokenpool

import "context"

// Registry is the authoritative store of token records.
//
// ListLive must enumerate tokens in a stable order across calls: round-robin
// ties are broken by that order.
type Registry interface {
	// ListLive returns all tokens with Active set.
	ListLive(ctx context.Context) ([]Token, error)

	// ListAll returns every token, active or not.
	ListAll(ctx context.Context) ([]Token, error)

	// Get returns one token. Returns ErrTokenNotFound if absent.
	Get(ctx context.Context, id string) (Token, error)

	// IncrementUsage adds one to the persisted usage count.
	IncrementUsage(ctx context.Context, id string) error

	// RefreshQuotaIfCooldownExpired clears the token's cooldown if it is past,
	// after restoring its upstream quota.
	RefreshQuotaIfCooldownExpired(ctx context.Context, id string) error

	// TriggerRenewal requests renewal of a token close to expiry.
	TriggerRenewal(ctx context.Context, id string) error

	// SchedulingMode returns the administratively configured fairness policy.
	SchedulingMode(ctx context.Context) (SchedulingMode, error)
}

package main

import (
	"context"
	"sync"
	"time"

	"github.com/govalues/decimal"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// EntityKind is the closed set of source-side entity kinds the resolver
// knows how to map to remote identities. Payees resolve to revenue accounts
// (income sources) or expense accounts depending on money direction.
type EntityKind int

const (
	KindAssetAccount EntityKind = iota
	KindCategory
	KindBudget
	KindRevenueAccount
	KindExpenseAccount
)

func (k EntityKind) String() string {
	switch k {
	case KindAssetAccount:
		return "asset-account"
	case KindCategory:
		return "category"
	case KindBudget:
		return "budget"
	case KindRevenueAccount:
		return "revenue-account"
	case KindExpenseAccount:
		return "expense-account"
	}
	return "unknown"
}

// RemoteEntity is a remote object reduced to what resolution needs.
type RemoteEntity struct {
	ID     string
	Name   string
	Active bool
}

// EntitySpec describes an entity to be created remotely with defaults
// appropriate to its kind.
type EntitySpec struct {
	Kind     EntityKind
	Name     string
	Active   bool
	Role     string
	Currency string

	// Asset accounts only.
	OpeningBalance decimal.Decimal
	OpeningDate    time.Time
}

// RemoteAllocation is an existing budget-period allocation on the remote
// side, used to decide between create and update.
type RemoteAllocation struct {
	ID     string
	Start  time.Time
	Amount decimal.Decimal
}

// AllocationUpsert is the payload for creating or updating one allocation.
type AllocationUpsert struct {
	// LimitID is set when updating an existing allocation in place.
	LimitID  string
	BudgetID string
	Start    time.Time
	End      time.Time
	Amount   decimal.Decimal
}

// Gateway is the remote budgeting server, reduced to the operations this
// engine consumes. It need not deduplicate anything: the engine enforces
// at-most-once invocation per natural key.
type Gateway interface {
	// LookupEntity returns nil when no entity matches. An ambiguous
	// match (several entities with the same name) is a ResolutionError.
	LookupEntity(ctx context.Context, kind EntityKind, name string) (*RemoteEntity, error)
	CreateEntity(ctx context.Context, spec EntitySpec) (*RemoteEntity, error)
	CreateTransaction(ctx context.Context, sub *Submission) (string, error)
	AccountBalance(ctx context.Context, accountID string, asOf time.Time) (decimal.Decimal, error)
	BudgetAllocations(ctx context.Context, budgetID string) ([]RemoteAllocation, error)
	UpsertBudgetAllocation(ctx context.Context, up AllocationUpsert) error
}

type opening struct {
	date    time.Time
	balance decimal.Decimal
}

// resolver maps (kind, name) pairs to remote ids, creating entities lazily
// and at most once per key for the lifetime of the cache.
type resolver struct {
	cache *cache
	gw    Gateway
	cfg   *config
	log   zerolog.Logger

	// openings carries per-account opening balances so asset accounts
	// are created with the right starting state.
	openings map[string]opening
	// budgetActive records which budgets are inactive (hidden) so
	// creation carries the flag.
	budgetActive map[string]bool

	mu sync.Mutex
}

func newResolver(c *cache, gw Gateway, cfg *config, log zerolog.Logger) *resolver {
	return &resolver{
		cache:        c,
		gw:           gw,
		cfg:          cfg,
		log:          log,
		openings:     make(map[string]opening),
		budgetActive: make(map[string]bool),
	}
}

func (r *resolver) SetOpening(account string, date time.Time, balance decimal.Decimal) {
	r.openings[account] = opening{date: date, balance: balance}
}

func (r *resolver) SetBudgetActive(name string, active bool) {
	r.budgetActive[name] = active
}

// Resolve returns the remote id for (kind, name). Cache hits return without
// any remote call. On a miss the remote is consulted; if the entity is
// absent it is created with kind-appropriate defaults, and the mapping is
// persisted before Resolve returns.
func (r *resolver) Resolve(ctx context.Context, kind EntityKind, name string) (string, error) {
	if id, ok := r.cache.EntityID(kind, name); ok {
		return id, nil
	}

	// Single-writer discipline: only one goroutine may walk the
	// lookup-or-create path for any key at a time, otherwise two workers
	// could both create the same payee.
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.cache.EntityID(kind, name); ok {
		return id, nil
	}

	ent, err := r.gw.LookupEntity(ctx, kind, name)
	if err != nil {
		return "", err
	}
	if ent == nil {
		ent, err = r.gw.CreateEntity(ctx, r.spec(kind, name))
		if err != nil {
			return "", err
		}
		r.log.Info().Str("kind", kind.String()).Str("name", name).
			Str("id", ent.ID).Msg("created remote entity")
	}
	if err := r.cache.PutEntity(kind, name, ent.ID); err != nil {
		return "", errors.Wrapf(err, "persist mapping for %s %q", kind, name)
	}
	return ent.ID, nil
}

func (r *resolver) spec(kind EntityKind, name string) EntitySpec {
	spec := EntitySpec{Kind: kind, Name: name, Active: true}
	switch kind {
	case KindAssetAccount:
		ac := r.cfg.account(name)
		spec.Role = assetRole(ac.Role)
		spec.Currency = ac.Currency
		if spec.Currency == "" {
			spec.Currency = r.cfg.Currency
		}
		spec.Active = !ac.Inactive
		if op, ok := r.openings[name]; ok {
			spec.OpeningBalance = op.balance
			spec.OpeningDate = op.date
		}
	case KindBudget:
		if active, ok := r.budgetActive[name]; ok {
			spec.Active = active
		}
	}
	return spec
}

// assetRole translates config account roles to the remote representation.
func assetRole(role string) string {
	switch role {
	case "credit_card":
		return "ccAsset"
	case "savings":
		return "savingAsset"
	case "cash":
		return "cashWalletAsset"
	default:
		return "defaultAsset"
	}
}

package entitlement

import (
	"errors"
	"fmt"
	"time"
)

// Owner is the tenant a pool belongs to.
type Owner struct {
	Key         string    `json:"key"`
	DisplayName string    `json:"display_name"`
	LogLevel    string    `json:"log_level,omitempty"` // verbosity hint copied into job metadata
	CreatedAt   time.Time `json:"created_at"`
}

// Product identifies something a pool grants access to. Pools reference
// products by id only; the full catalog lives outside this service.
type Product struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Consumer is the entity entitlements are issued to. The service only
// appends to its entitlement and consumed-product sets.
type Consumer struct {
	UUID             string    `json:"uuid"`
	OwnerKey         string    `json:"owner_key"`
	Name             string    `json:"name"`
	Type             string    `json:"type"`
	Entitlements     []string  `json:"entitlements,omitempty"`      // entitlement ids
	ConsumedProducts []string  `json:"consumed_products,omitempty"` // product ids with >=1 entitlement
	CreatedAt        time.Time `json:"created_at"`
}

// Pool is a capacity-bounded grant of entitlement to a product for an
// owner. A pool with a non-empty ConsumerUUID is a consumer-specific
// override; at most one general pool may exist per (owner, product) and
// at most one consumer pool per (owner, product, consumer).
type Pool struct {
	ID             string    `json:"id"`
	OwnerKey       string    `json:"owner_key"`
	ProductID      string    `json:"product_id"`
	ConsumerUUID   string    `json:"consumer_uuid,omitempty"`
	MaxMembers     int64     `json:"max_members"`
	CurrentMembers int64     `json:"current_members"`
	Unlimited      bool      `json:"unlimited"`
	CreatedAt      time.Time `json:"created_at"`
}

// EntitlementsAvailable reports whether the pool can issue another
// entitlement. Unlimited pools always can, regardless of the counters.
func (p Pool) EntitlementsAvailable() bool {
	if p.Unlimited {
		return true
	}
	return p.CurrentMembers < p.MaxMembers
}

// Entitlement is a consumer's concrete claim against one pool.
// Immutable once issued.
type Entitlement struct {
	ID           string    `json:"id"`
	PoolID       string    `json:"pool_id"`
	ConsumerUUID string    `json:"consumer_uuid"`
	OwnerKey     string    `json:"owner_key"`
	ProductID    string    `json:"product_id"`
	IssuedAt     time.Time `json:"issued_at"`
}

var (
	ErrNotFound      = errors.New("not found")
	ErrPoolConflict  = errors.New("pool already exists for this owner and product")
	ErrPoolExhausted = errors.New("pool has no entitlements available")
	ErrInvalidInput  = errors.New("invalid input")
)

// StorageError wraps a backing-store failure so callers can tell
// infrastructure faults apart from domain rejections.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

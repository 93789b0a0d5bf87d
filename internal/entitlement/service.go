package entitlement

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"granary.org/internal/ids"
)

// ConsumerTypes is the fixed reference data seeded by Initialize.
var ConsumerTypes = []string{"system", "person", "domain", "hypervisor"}

// Service defines pool allocation and entitlement issuance operations.
//
// CreatePool's uniqueness check and CreateEntitlement's counter bump must
// each execute atomically with respect to concurrent callers; every
// implementation carries that contract.
type Service interface {
	CreateOwner(ctx context.Context, owner Owner) (Owner, error)
	GetOwner(ctx context.Context, key string) (Owner, error)

	RegisterConsumer(ctx context.Context, consumer Consumer) (Consumer, error)
	GetConsumer(ctx context.Context, consumerUUID string) (Consumer, error)

	// CreatePool persists the candidate pool, rejecting with ErrPoolConflict
	// when its uniqueness scope is already occupied: a general candidate
	// conflicts with an existing general (owner, product) pool, a
	// consumer-scoped candidate with an existing pool for the same
	// (owner, product, consumer) triple. The two scopes are independent.
	CreatePool(ctx context.Context, candidate Pool) (Pool, error)
	GetPool(ctx context.Context, id string) (Pool, error)

	// LookupPool returns the pool for (owner, product), preferring a pool
	// scoped to consumerUUID when one exists. ErrNotFound when neither does.
	LookupPool(ctx context.Context, ownerKey, consumerUUID, productID string) (Pool, error)
	ListPoolsByOwner(ctx context.Context, ownerKey string) ([]Pool, error)

	// CreateEntitlement issues an entitlement against the pool, increments
	// the pool's member count and appends the entitlement and product to the
	// consumer's records in one atomic unit. It does not check
	// EntitlementsAvailable; capacity enforcement is the caller's
	// responsibility.
	CreateEntitlement(ctx context.Context, poolID, consumerUUID string, at time.Time) (Entitlement, error)
	ListEntitlements(ctx context.Context, consumerUUID string) ([]Entitlement, error)

	// Initialize seeds fixed reference data once. Repeat calls are no-ops
	// reporting fresh=false and never error for that reason.
	Initialize(ctx context.Context) (fresh bool, err error)
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu            sync.RWMutex
	owners        map[string]*Owner
	consumers     map[string]*Consumer
	pools         map[string]*Pool
	entitlements  map[string][]Entitlement // consumer uuid -> issued
	consumerTypes map[string]bool
	now           func() time.Time
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		owners:        make(map[string]*Owner),
		consumers:     make(map[string]*Consumer),
		pools:         make(map[string]*Pool),
		entitlements:  make(map[string][]Entitlement),
		consumerTypes: make(map[string]bool),
		now:           time.Now,
	}
}

func (s *InMemory) CreateOwner(ctx context.Context, owner Owner) (Owner, error) {
	owner.Key = strings.TrimSpace(owner.Key)
	if owner.Key == "" {
		return Owner{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[owner.Key]; ok {
		return Owner{}, ErrPoolConflict
	}
	owner.CreatedAt = s.now().UTC()
	cp := owner
	s.owners[owner.Key] = &cp
	return owner, nil
}

func (s *InMemory) GetOwner(ctx context.Context, key string) (Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.owners[key]
	if !ok {
		return Owner{}, ErrNotFound
	}
	return *o, nil
}

func (s *InMemory) RegisterConsumer(ctx context.Context, consumer Consumer) (Consumer, error) {
	consumer.Name = strings.TrimSpace(consumer.Name)
	if consumer.Name == "" || consumer.OwnerKey == "" {
		return Consumer{}, ErrInvalidInput
	}
	if consumer.Type == "" {
		consumer.Type = "system"
	}
	if !validConsumerType(consumer.Type) {
		return Consumer{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[consumer.OwnerKey]; !ok {
		return Consumer{}, ErrNotFound
	}
	consumer.UUID = uuid.NewString()
	consumer.CreatedAt = s.now().UTC()
	cp := consumer
	s.consumers[consumer.UUID] = &cp
	return consumer, nil
}

func (s *InMemory) GetConsumer(ctx context.Context, consumerUUID string) (Consumer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consumers[consumerUUID]
	if !ok {
		return Consumer{}, ErrNotFound
	}
	return copyConsumer(c), nil
}

func (s *InMemory) CreatePool(ctx context.Context, candidate Pool) (Pool, error) {
	if candidate.OwnerKey == "" || candidate.ProductID == "" {
		return Pool{}, ErrInvalidInput
	}
	if !candidate.Unlimited && candidate.MaxMembers <= 0 {
		return Pool{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[candidate.OwnerKey]; !ok {
		return Pool{}, ErrNotFound
	}
	// The check and the insert happen under one lock hold; concurrent
	// callers racing for the same uniqueness scope cannot both succeed.
	for _, p := range s.pools {
		if p.OwnerKey != candidate.OwnerKey || p.ProductID != candidate.ProductID {
			continue
		}
		if p.ConsumerUUID == candidate.ConsumerUUID {
			return Pool{}, ErrPoolConflict
		}
	}
	candidate.ID = ids.New()
	candidate.CurrentMembers = 0
	candidate.CreatedAt = s.now().UTC()
	cp := candidate
	s.pools[candidate.ID] = &cp
	return candidate, nil
}

func (s *InMemory) GetPool(ctx context.Context, id string) (Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[id]
	if !ok {
		return Pool{}, ErrNotFound
	}
	return *p, nil
}

func (s *InMemory) LookupPool(ctx context.Context, ownerKey, consumerUUID, productID string) (Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(ownerKey, consumerUUID, productID)
}

func (s *InMemory) lookupLocked(ownerKey, consumerUUID, productID string) (Pool, error) {
	// Consumer-specific pools take precedence over general pools.
	if consumerUUID != "" {
		for _, p := range s.pools {
			if p.OwnerKey == ownerKey && p.ProductID == productID && p.ConsumerUUID == consumerUUID {
				return *p, nil
			}
		}
	}
	for _, p := range s.pools {
		if p.OwnerKey == ownerKey && p.ProductID == productID && p.ConsumerUUID == "" {
			return *p, nil
		}
	}
	return Pool{}, ErrNotFound
}

func (s *InMemory) ListPoolsByOwner(ctx context.Context, ownerKey string) ([]Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Pool
	for _, p := range s.pools {
		if p.OwnerKey == ownerKey {
			res = append(res, *p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *InMemory) CreateEntitlement(ctx context.Context, poolID, consumerUUID string, at time.Time) (Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[poolID]
	if !ok {
		return Entitlement{}, ErrNotFound
	}
	consumer, ok := s.consumers[consumerUUID]
	if !ok {
		return Entitlement{}, ErrNotFound
	}
	if at.IsZero() {
		at = s.now()
	}
	ent := Entitlement{
		ID:           ids.New(),
		PoolID:       pool.ID,
		ConsumerUUID: consumer.UUID,
		OwnerKey:     pool.OwnerKey,
		ProductID:    pool.ProductID,
		IssuedAt:     at.UTC(),
	}
	pool.CurrentMembers++
	consumer.Entitlements = append(consumer.Entitlements, ent.ID)
	if !containsString(consumer.ConsumedProducts, pool.ProductID) {
		consumer.ConsumedProducts = append(consumer.ConsumedProducts, pool.ProductID)
	}
	s.entitlements[consumer.UUID] = append(s.entitlements[consumer.UUID], ent)
	return ent, nil
}

func (s *InMemory) ListEntitlements(ctx context.Context, consumerUUID string) ([]Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.consumers[consumerUUID]; !ok {
		return nil, ErrNotFound
	}
	ents := s.entitlements[consumerUUID]
	out := make([]Entitlement, len(ents))
	copy(out, ents)
	return out, nil
}

func (s *InMemory) Initialize(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.consumerTypes) > 0 {
		return false, nil
	}
	for _, t := range ConsumerTypes {
		s.consumerTypes[t] = true
	}
	return true, nil
}

func validConsumerType(t string) bool {
	for _, known := range ConsumerTypes {
		if t == known {
			return true
		}
	}
	return false
}

func copyConsumer(c *Consumer) Consumer {
	out := *c
	out.Entitlements = append([]string(nil), c.Entitlements...)
	out.ConsumedProducts = append([]string(nil), c.ConsumedProducts...)
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

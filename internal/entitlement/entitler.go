package entitlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"granary.org/internal/events"
	"granary.org/internal/obs"
)

// Entitler drives the bind workflow: resolve a pool, check availability,
// issue the entitlement, emit the audit event. Per-pool failures during a
// multi-product bind are collected, not fatal.
type Entitler struct {
	svc  Service
	sink events.Sink

	// Availability check and issuance must not interleave for the same
	// pool. One lock over the whole bind step keeps that simple; backing
	// stores with transactional guards make it belt and braces.
	bindMu sync.Mutex
}

// NewEntitler wires the allocator to an event sink. A nil sink disables
// event emission.
func NewEntitler(svc Service, sink events.Sink) *Entitler {
	return &Entitler{svc: svc, sink: sink}
}

// BindFailure records why one product could not be bound.
type BindFailure struct {
	ProductID string `json:"product_id"`
	PoolID    string `json:"pool_id,omitempty"`
	Reason    string `json:"reason"`
	err       error
}

// Err returns the underlying cause.
func (f BindFailure) Err() error { return f.err }

// BindResult is the outcome of a multi-product bind.
type BindResult struct {
	Entitlements []Entitlement `json:"entitlements"`
	Failures     []BindFailure `json:"failures,omitempty"`
}

// BindByProducts issues one entitlement per requested product for the
// consumer. When fromPools is non-empty only pools in that set are
// eligible. A failure on one product (no pool, pool not eligible, pool
// exhausted, store rejection) is recorded and the remaining products are
// still attempted.
func (e *Entitler) BindByProducts(ctx context.Context, consumerUUID string, productIDs []string, entitleDate time.Time, fromPools []string) (BindResult, error) {
	consumer, err := e.svc.GetConsumer(ctx, consumerUUID)
	if err != nil {
		return BindResult{}, err
	}

	allowed := make(map[string]bool, len(fromPools))
	for _, id := range fromPools {
		allowed[id] = true
	}

	var result BindResult
	for _, productID := range productIDs {
		ent, failure := e.bindProduct(ctx, consumer, productID, entitleDate, allowed)
		if failure != nil {
			result.Failures = append(result.Failures, *failure)
			continue
		}
		result.Entitlements = append(result.Entitlements, ent)
	}
	return result, nil
}

func (e *Entitler) bindProduct(ctx context.Context, consumer Consumer, productID string, at time.Time, allowed map[string]bool) (Entitlement, *BindFailure) {
	e.bindMu.Lock()
	defer e.bindMu.Unlock()

	pool, err := e.svc.LookupPool(ctx, consumer.OwnerKey, consumer.UUID, productID)
	if err != nil {
		return Entitlement{}, &BindFailure{ProductID: productID, Reason: "no pool for product", err: err}
	}
	if len(allowed) > 0 && !allowed[pool.ID] {
		return Entitlement{}, &BindFailure{ProductID: productID, PoolID: pool.ID, Reason: "pool not in permitted set", err: ErrNotFound}
	}
	if !pool.EntitlementsAvailable() {
		return Entitlement{}, &BindFailure{ProductID: productID, PoolID: pool.ID, Reason: "pool exhausted", err: ErrPoolExhausted}
	}
	ent, err := e.svc.CreateEntitlement(ctx, pool.ID, consumer.UUID, at)
	if err != nil {
		return Entitlement{}, &BindFailure{ProductID: productID, PoolID: pool.ID, Reason: "issuance rejected", err: err}
	}
	obs.EntitlementIssued()
	e.emitIssued(ctx, ent)
	return ent, nil
}

// BindByPool issues a single entitlement against a known pool.
// ErrPoolExhausted when the pool has no availability.
func (e *Entitler) BindByPool(ctx context.Context, poolID, consumerUUID string, at time.Time) (Entitlement, error) {
	e.bindMu.Lock()
	defer e.bindMu.Unlock()

	pool, err := e.svc.GetPool(ctx, poolID)
	if err != nil {
		return Entitlement{}, err
	}
	if !pool.EntitlementsAvailable() {
		return Entitlement{}, ErrPoolExhausted
	}
	ent, err := e.svc.CreateEntitlement(ctx, pool.ID, consumerUUID, at)
	if err != nil {
		return Entitlement{}, err
	}
	obs.EntitlementIssued()
	e.emitIssued(ctx, ent)
	return ent, nil
}

func (e *Entitler) emitIssued(ctx context.Context, ent Entitlement) {
	if e.sink == nil {
		return
	}
	builder := events.NewBuilder(events.TypeCreated, events.TargetEntitlement).SetEventData(ent)
	if _, err := builder.SetNewEntity(ent); err != nil {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "entitlement event build failed",
			"error": err.Error(),
		})
		return
	}
	if err := e.sink.Send(ctx, builder.Build()); err != nil {
		obs.LogRequest(map[string]any{
			"level":          "error",
			"msg":            "entitlement event delivery failed",
			"entitlement_id": ent.ID,
			"error":          err.Error(),
		})
	}
}

// IsRejection reports whether the error is a domain rejection rather than
// an infrastructure fault.
func IsRejection(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPoolConflict) ||
		errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrInvalidInput)
}

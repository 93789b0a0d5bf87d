package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"granary.org/internal/events"
)

func TestBindByPool(t *testing.T) {
	svc, owner, consumer := newTestService(t)
	ctx := context.Background()

	pool, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-1", MaxMembers: 1})
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}

	ent := NewEntitler(svc, nil)
	issued, err := ent.BindByPool(ctx, pool.ID, consumer.UUID, time.Time{})
	if err != nil {
		t.Fatalf("BindByPool: %v", err)
	}
	if issued.PoolID != pool.ID {
		t.Fatalf("pool id = %s", issued.PoolID)
	}

	// Pool is now full.
	if _, err := ent.BindByPool(ctx, pool.ID, consumer.UUID, time.Time{}); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	if _, err := ent.BindByPool(ctx, "ghost", consumer.UUID, time.Time{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBindByPoolConcurrentRespectsCapacity(t *testing.T) {
	svc, owner, consumer := newTestService(t)
	ctx := context.Background()

	const capacity = 5
	pool, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-1", MaxMembers: capacity})
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}

	ent := NewEntitler(svc, nil)
	const binders = 20
	var wg sync.WaitGroup
	errs := make([]error, binders)
	for i := 0; i < binders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ent.BindByPool(ctx, pool.ID, consumer.UUID, time.Time{})
		}(i)
	}
	wg.Wait()

	var issued, exhausted int
	for _, err := range errs {
		switch {
		case err == nil:
			issued++
		case errors.Is(err, ErrPoolExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if issued != capacity {
		t.Fatalf("issued = %d, want %d", issued, capacity)
	}
	if exhausted != binders-capacity {
		t.Fatalf("exhausted = %d, want %d", exhausted, binders-capacity)
	}

	got, _ := svc.GetPool(ctx, pool.ID)
	if got.CurrentMembers != capacity {
		t.Fatalf("current_members = %d, want %d", got.CurrentMembers, capacity)
	}
}

func TestBindByProductsContinuesPastFailures(t *testing.T) {
	svc, owner, consumer := newTestService(t)
	ctx := context.Background()

	okPool, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-ok", MaxMembers: 5})
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	fullPool, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-full", MaxMembers: 1})
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	if _, err := svc.CreateEntitlement(ctx, fullPool.ID, consumer.UUID, time.Time{}); err != nil {
		t.Fatalf("fill pool: %v", err)
	}

	ent := NewEntitler(svc, nil)
	result, err := ent.BindByProducts(ctx, consumer.UUID, []string{"prod-full", "prod-none", "prod-ok"}, time.Time{}, nil)
	if err != nil {
		t.Fatalf("BindByProducts: %v", err)
	}

	if len(result.Entitlements) != 1 || result.Entitlements[0].PoolID != okPool.ID {
		t.Fatalf("entitlements = %+v", result.Entitlements)
	}
	if len(result.Failures) != 2 {
		t.Fatalf("failures = %+v", result.Failures)
	}
	byProduct := map[string]BindFailure{}
	for _, f := range result.Failures {
		byProduct[f.ProductID] = f
	}
	if f := byProduct["prod-full"]; !errors.Is(f.Err(), ErrPoolExhausted) {
		t.Fatalf("prod-full err = %v, want ErrPoolExhausted", f.Err())
	}
	if f := byProduct["prod-none"]; !errors.Is(f.Err(), ErrNotFound) {
		t.Fatalf("prod-none err = %v, want ErrNotFound", f.Err())
	}
}

func TestBindByProductsPoolRestriction(t *testing.T) {
	svc, owner, consumer := newTestService(t)
	ctx := context.Background()

	pool, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-1", MaxMembers: 5})
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}

	ent := NewEntitler(svc, nil)

	// Empty restriction set means any pool is eligible.
	result, err := ent.BindByProducts(ctx, consumer.UUID, []string{"prod-1"}, time.Time{}, []string{})
	if err != nil {
		t.Fatalf("BindByProducts: %v", err)
	}
	if len(result.Entitlements) != 1 {
		t.Fatalf("entitlements = %+v", result.Entitlements)
	}

	// Restriction to some other pool excludes the resolved one.
	result, err = ent.BindByProducts(ctx, consumer.UUID, []string{"prod-1"}, time.Time{}, []string{"not-this-pool"})
	if err != nil {
		t.Fatalf("BindByProducts: %v", err)
	}
	if len(result.Entitlements) != 0 || len(result.Failures) != 1 {
		t.Fatalf("result = %+v", result)
	}

	// Restriction including the resolved pool allows it.
	result, err = ent.BindByProducts(ctx, consumer.UUID, []string{"prod-1"}, time.Time{}, []string{pool.ID})
	if err != nil {
		t.Fatalf("BindByProducts: %v", err)
	}
	if len(result.Entitlements) != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestBindByProductsUnknownConsumer(t *testing.T) {
	svc, _, _ := newTestService(t)
	ent := NewEntitler(svc, nil)

	if _, err := ent.BindByProducts(context.Background(), "ghost", []string{"p"}, time.Time{}, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBindEmitsEvent(t *testing.T) {
	svc, owner, consumer := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-1", MaxMembers: 5})
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}

	stream := events.NewStream()
	ch := stream.Subscribe(ctx)

	ent := NewEntitler(svc, stream)
	issued, err := ent.BindByPool(ctx, pool.ID, consumer.UUID, time.Time{})
	if err != nil {
		t.Fatalf("BindByPool: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Type != events.TypeCreated || evt.Target != events.TargetEntitlement {
			t.Fatalf("event = %s %s", evt.Type, evt.Target)
		}
		if evt.EntityID != issued.ID {
			t.Fatalf("entity id = %s, want %s", evt.EntityID, issued.ID)
		}
		if evt.ReferenceType != events.ReferencePool || evt.ReferenceID != pool.ID {
			t.Fatalf("reference = %s/%s", evt.ReferenceType, evt.ReferenceID)
		}
		if evt.ConsumerID != consumer.UUID {
			t.Fatalf("consumer id = %s", evt.ConsumerID)
		}
		if evt.NewEntity == "" {
			t.Fatal("expected new-entity snapshot")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

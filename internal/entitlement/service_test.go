package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestService(t *testing.T) (*InMemory, Owner, Consumer) {
	t.Helper()
	svc := NewInMemory()
	ctx := context.Background()
	owner, err := svc.CreateOwner(ctx, Owner{Key: "acme", DisplayName: "Acme Corp"})
	if err != nil {
		t.Fatalf("CreateOwner: %v", err)
	}
	consumer, err := svc.RegisterConsumer(ctx, Consumer{OwnerKey: owner.Key, Name: "web-01"})
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}
	return svc, owner, consumer
}

func TestCreateOwnerAndGet(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	owner, err := svc.CreateOwner(ctx, Owner{Key: "acme", DisplayName: "Acme Corp"})
	if err != nil {
		t.Fatalf("CreateOwner: %v", err)
	}
	if owner.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be stamped")
	}

	got, err := svc.GetOwner(ctx, "acme")
	if err != nil {
		t.Fatalf("GetOwner: %v", err)
	}
	if got.DisplayName != "Acme Corp" {
		t.Fatalf("display name = %q", got.DisplayName)
	}

	if _, err := svc.CreateOwner(ctx, Owner{Key: "acme"}); err == nil {
		t.Fatal("expected duplicate owner to be rejected")
	}
	if _, err := svc.GetOwner(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRegisterConsumerDefaultsAndValidation(t *testing.T) {
	svc, _, consumer := newTestService(t)
	ctx := context.Background()

	if consumer.Type != "system" {
		t.Fatalf("default type = %q, want system", consumer.Type)
	}
	if consumer.UUID == "" {
		t.Fatal("expected generated uuid")
	}

	if _, err := svc.RegisterConsumer(ctx, Consumer{OwnerKey: "acme", Name: "vm", Type: "spaceship"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if _, err := svc.RegisterConsumer(ctx, Consumer{OwnerKey: "ghost", Name: "vm"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := svc.RegisterConsumer(ctx, Consumer{OwnerKey: "acme", Name: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestCreatePoolUniquenessScopes(t *testing.T) {
	svc, owner, consumer := newTestService(t)
	ctx := context.Background()

	general, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-1", MaxMembers: 5})
	if err != nil {
		t.Fatalf("create general pool: %v", err)
	}

	// Second general pool for the same (owner, product) conflicts.
	if _, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-1", MaxMembers: 9}); !errors.Is(err, ErrPoolConflict) {
		t.Fatalf("err = %v, want ErrPoolConflict", err)
	}

	// A consumer-scoped pool for the same product occupies a different scope.
	scoped, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-1", ConsumerUUID: consumer.UUID, MaxMembers: 1})
	if err != nil {
		t.Fatalf("create consumer pool: %v", err)
	}
	if scoped.ID == general.ID {
		t.Fatal("expected distinct pools")
	}

	// But a second pool for the same consumer triple conflicts.
	if _, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-1", ConsumerUUID: consumer.UUID, MaxMembers: 2}); !errors.Is(err, ErrPoolConflict) {
		t.Fatalf("err = %v, want ErrPoolConflict", err)
	}
}

func TestCreatePoolValidation(t *testing.T) {
	svc, owner, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "p", MaxMembers: 0}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if _, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "p", Unlimited: true}); err != nil {
		t.Fatalf("unlimited pool without max members: %v", err)
	}
	if _, err := svc.CreatePool(ctx, Pool{OwnerKey: "ghost", ProductID: "p", MaxMembers: 1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreatePoolConcurrentSameScope(t *testing.T) {
	svc, owner, _ := newTestService(t)
	ctx := context.Background()

	const racers = 16
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-race", MaxMembers: 3})
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrPoolConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestLookupPoolPrecedence(t *testing.T) {
	svc, owner, consumer := newTestService(t)
	ctx := context.Background()

	general, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-1", MaxMembers: 5})
	if err != nil {
		t.Fatalf("create general pool: %v", err)
	}
	scoped, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-1", ConsumerUUID: consumer.UUID, MaxMembers: 1})
	if err != nil {
		t.Fatalf("create consumer pool: %v", err)
	}

	// The consumer's own pool wins when both exist.
	got, err := svc.LookupPool(ctx, owner.Key, consumer.UUID, "prod-1")
	if err != nil {
		t.Fatalf("LookupPool: %v", err)
	}
	if got.ID != scoped.ID {
		t.Fatalf("got pool %s, want consumer pool %s", got.ID, scoped.ID)
	}

	// A different consumer falls through to the general pool.
	other, err := svc.RegisterConsumer(ctx, Consumer{OwnerKey: owner.Key, Name: "web-02"})
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}
	got, err = svc.LookupPool(ctx, owner.Key, other.UUID, "prod-1")
	if err != nil {
		t.Fatalf("LookupPool: %v", err)
	}
	if got.ID != general.ID {
		t.Fatalf("got pool %s, want general pool %s", got.ID, general.ID)
	}

	if _, err := svc.LookupPool(ctx, owner.Key, consumer.UUID, "prod-none"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestEntitlementsAvailable(t *testing.T) {
	cases := []struct {
		name string
		pool Pool
		want bool
	}{
		{"below capacity", Pool{MaxMembers: 5, CurrentMembers: 4}, true},
		{"at capacity", Pool{MaxMembers: 5, CurrentMembers: 5}, false},
		{"over capacity", Pool{MaxMembers: 5, CurrentMembers: 6}, false},
		{"unlimited", Pool{Unlimited: true}, true},
		{"unlimited over counters", Pool{Unlimited: true, MaxMembers: 5, CurrentMembers: 9}, true},
	}
	for _, tc := range cases {
		if got := tc.pool.EntitlementsAvailable(); got != tc.want {
			t.Errorf("%s: available = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCreateEntitlementBookkeeping(t *testing.T) {
	svc, owner, consumer := newTestService(t)
	ctx := context.Background()

	pool, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-1", MaxMembers: 2})
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}

	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ent, err := svc.CreateEntitlement(ctx, pool.ID, consumer.UUID, at)
	if err != nil {
		t.Fatalf("CreateEntitlement: %v", err)
	}
	if ent.PoolID != pool.ID || ent.ConsumerUUID != consumer.UUID {
		t.Fatalf("entitlement links wrong: %+v", ent)
	}
	if ent.ProductID != "prod-1" || ent.OwnerKey != owner.Key {
		t.Fatalf("entitlement denorm wrong: %+v", ent)
	}
	if !ent.IssuedAt.Equal(at) {
		t.Fatalf("issued_at = %v, want %v", ent.IssuedAt, at)
	}

	got, err := svc.GetPool(ctx, pool.ID)
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if got.CurrentMembers != 1 {
		t.Fatalf("current_members = %d, want 1", got.CurrentMembers)
	}

	c, err := svc.GetConsumer(ctx, consumer.UUID)
	if err != nil {
		t.Fatalf("GetConsumer: %v", err)
	}
	if len(c.Entitlements) != 1 || c.Entitlements[0] != ent.ID {
		t.Fatalf("consumer entitlements = %v", c.Entitlements)
	}
	if len(c.ConsumedProducts) != 1 || c.ConsumedProducts[0] != "prod-1" {
		t.Fatalf("consumed products = %v", c.ConsumedProducts)
	}

	// A second entitlement for the same product must not duplicate the
	// consumed-product entry.
	if _, err := svc.CreateEntitlement(ctx, pool.ID, consumer.UUID, at); err != nil {
		t.Fatalf("second CreateEntitlement: %v", err)
	}
	c, _ = svc.GetConsumer(ctx, consumer.UUID)
	if len(c.ConsumedProducts) != 1 {
		t.Fatalf("consumed products deduplicated = %v", c.ConsumedProducts)
	}
	if len(c.Entitlements) != 2 {
		t.Fatalf("entitlements = %v", c.Entitlements)
	}
}

func TestCreateEntitlementDoesNotEnforceCapacity(t *testing.T) {
	svc, owner, consumer := newTestService(t)
	ctx := context.Background()

	pool, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-1", MaxMembers: 1})
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}

	// Issuance is pure bookkeeping. The capacity decision belongs to the
	// bind workflow, which checks EntitlementsAvailable first.
	for i := 0; i < 3; i++ {
		if _, err := svc.CreateEntitlement(ctx, pool.ID, consumer.UUID, time.Time{}); err != nil {
			t.Fatalf("CreateEntitlement %d: %v", i, err)
		}
	}
	got, _ := svc.GetPool(ctx, pool.ID)
	if got.CurrentMembers != 3 {
		t.Fatalf("current_members = %d, want 3", got.CurrentMembers)
	}
}

func TestCreateEntitlementMissingRefs(t *testing.T) {
	svc, owner, consumer := newTestService(t)
	ctx := context.Background()

	pool, err := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-1", MaxMembers: 1})
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	if _, err := svc.CreateEntitlement(ctx, "ghost", consumer.UUID, time.Time{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := svc.CreateEntitlement(ctx, pool.ID, "ghost", time.Time{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListEntitlements(t *testing.T) {
	svc, owner, consumer := newTestService(t)
	ctx := context.Background()

	pool, _ := svc.CreatePool(ctx, Pool{OwnerKey: owner.Key, ProductID: "prod-1", MaxMembers: 5})
	ent, err := svc.CreateEntitlement(ctx, pool.ID, consumer.UUID, time.Time{})
	if err != nil {
		t.Fatalf("CreateEntitlement: %v", err)
	}

	list, err := svc.ListEntitlements(ctx, consumer.UUID)
	if err != nil {
		t.Fatalf("ListEntitlements: %v", err)
	}
	if len(list) != 1 || list[0].ID != ent.ID {
		t.Fatalf("list = %+v", list)
	}
	if _, err := svc.ListEntitlements(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	svc := NewInMemory()
	ctx := context.Background()

	fresh, err := svc.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !fresh {
		t.Fatal("first call should report fresh initialization")
	}

	fresh, err = svc.Initialize(ctx)
	if err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if fresh {
		t.Fatal("second call should report already initialized")
	}
}

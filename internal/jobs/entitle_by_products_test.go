package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"granary.org/internal/entitlement"
)

func validEntitleConfig() *EntitleByProductsConfig {
	return NewEntitleByProductsConfig().
		SetOwner(entitlement.Owner{Key: "acme"}).
		SetConsumer("c-1").
		SetProducts([]string{"prod-1"}).
		SetPools([]string{})
}

func TestEntitleConfigValid(t *testing.T) {
	cfg := validEntitleConfig()
	if err := cfg.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Metadata()[MetadataOrg] != "acme" {
		t.Fatalf("org metadata = %q", cfg.Metadata()[MetadataOrg])
	}
}

func TestEntitleConfigBuilderFailsFast(t *testing.T) {
	cfg := NewEntitleByProductsConfig().
		SetConsumer("").
		SetProducts([]string{"prod-1"}).
		SetPools([]string{})
	if !errors.Is(cfg.Err(), ErrInvalidConfiguration) {
		t.Fatalf("err = %v, want ErrInvalidConfiguration", cfg.Err())
	}
	// Validation reports the sticky builder failure, not a fresh one.
	if !errors.Is(cfg.Validate(), ErrInvalidConfiguration) {
		t.Fatalf("Validate = %v, want ErrInvalidConfiguration", cfg.Validate())
	}

	cfg = NewEntitleByProductsConfig().SetOwner(entitlement.Owner{})
	if !errors.Is(cfg.Err(), ErrInvalidConfiguration) {
		t.Fatalf("err = %v, want ErrInvalidConfiguration", cfg.Err())
	}
}

func TestEntitleConfigValidationAsymmetry(t *testing.T) {
	var verr *ValidationError

	// Absent consumer.
	cfg := NewEntitleByProductsConfig().SetProducts([]string{"p"}).SetPools(nil)
	if err := cfg.Validate(); !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}

	// Empty product list.
	cfg = NewEntitleByProductsConfig().SetConsumer("c-1").SetProducts([]string{}).SetPools(nil)
	if err := cfg.Validate(); !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}

	// Absent pools restriction is rejected...
	cfg = NewEntitleByProductsConfig().SetConsumer("c-1").SetProducts([]string{"p"})
	if err := cfg.Validate(); !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}

	// ...but an explicitly empty one passes.
	cfg = NewEntitleByProductsConfig().SetConsumer("c-1").SetProducts([]string{"p"}).SetPools([]string{})
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestEntitleConfigValidationWrapsConversionError(t *testing.T) {
	cfg := NewEntitleByProductsConfig().SetProducts([]string{"p"}).SetPools(nil)
	// Force the wrong kind under the consumer key.
	cfg.Arguments().SetStringSlice(argConsumerUUID, []string{"c-1"})

	err := cfg.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	var convErr *ConversionError
	if !errors.As(err, &convErr) {
		t.Fatalf("validation error does not wrap ConversionError: %v", err)
	}
}

func TestEntitleByProductsJobEndToEnd(t *testing.T) {
	svc := entitlement.NewInMemory()
	ctx := context.Background()
	owner, err := svc.CreateOwner(ctx, entitlement.Owner{Key: "acme", DisplayName: "Acme"})
	if err != nil {
		t.Fatalf("CreateOwner: %v", err)
	}
	consumer, err := svc.RegisterConsumer(ctx, entitlement.Consumer{OwnerKey: owner.Key, Name: "web-01"})
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}
	if _, err := svc.CreatePool(ctx, entitlement.Pool{OwnerKey: owner.Key, ProductID: "prod-1", MaxMembers: 5}); err != nil {
		t.Fatalf("CreatePool: %v", err)
	}

	s := NewScheduler(2)
	s.Register(EntitleByProductsKey, NewEntitleByProductsHandler(entitlement.NewEntitler(svc, nil)))

	at := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	cfg := NewEntitleByProductsConfig().
		SetOwner(owner).
		SetConsumer(consumer.UUID).
		SetProducts([]string{"prod-1", "prod-missing"}).
		SetPools([]string{}).
		SetEntitleDate(at)

	j, err := s.Submit(ctx, cfg.Config)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := awaitJob(t, s, j.ID)
	// Per-product rejections do not fail the job.
	if final.State != StateSucceeded {
		t.Fatalf("state = %s (%s), want %s", final.State, final.Error, StateSucceeded)
	}

	ents, err := svc.ListEntitlements(ctx, consumer.UUID)
	if err != nil {
		t.Fatalf("ListEntitlements: %v", err)
	}
	if len(ents) != 1 || ents[0].ProductID != "prod-1" {
		t.Fatalf("entitlements = %+v", ents)
	}
	if !ents[0].IssuedAt.Equal(at) {
		t.Fatalf("issued_at = %v, want %v", ents[0].IssuedAt, at)
	}
}

func TestEntitleByProductsJobFatalOnUnknownConsumer(t *testing.T) {
	svc := entitlement.NewInMemory()
	s := NewScheduler(2)
	s.Register(EntitleByProductsKey, NewEntitleByProductsHandler(entitlement.NewEntitler(svc, nil)))

	cfg := NewEntitleByProductsConfig().
		SetConsumer("ghost").
		SetProducts([]string{"prod-1"}).
		SetPools([]string{})

	j, err := s.Submit(context.Background(), cfg.Config)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := awaitJob(t, s, j.ID)
	if final.State != StateFailedFatal {
		t.Fatalf("state = %s, want %s", final.State, StateFailedFatal)
	}
}

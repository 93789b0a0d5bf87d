package jobs

import (
	"context"
	"time"

	"granary.org/internal/audit"
	"granary.org/internal/entitlement"
)

// EntitleByProducts job identity.
const (
	EntitleByProductsKey  = "ENTITLE_BY_PRODUCTS"
	EntitleByProductsName = "bind_by_products"
)

// Argument keys for the entitle-by-products job.
const (
	argConsumerUUID = "consumer_uuid"
	argProductIDs   = "product_ids"
	argFromPools    = "from_pools"
	argEntitleDate  = "entitle_date"
)

// EntitleByProductsConfig builds a bind_by_products submission. The pools
// restriction must always be set: an empty list means "no restriction",
// an absent one is a contract violation.
type EntitleByProductsConfig struct {
	*Config
}

// NewEntitleByProductsConfig starts an empty config with the job's
// validation contract installed.
func NewEntitleByProductsConfig() *EntitleByProductsConfig {
	c := &EntitleByProductsConfig{Config: NewConfig(EntitleByProductsKey, EntitleByProductsName)}
	c.setValidator(validateEntitleByProducts)
	return c
}

// SetOwner records the owner as the job's exclusivity scope and copies its
// log-level hint into the metadata.
func (c *EntitleByProductsConfig) SetOwner(owner entitlement.Owner) *EntitleByProductsConfig {
	if owner.Key == "" {
		c.fail(MetadataOrg)
		return c
	}
	c.setMetadata(MetadataOrg, owner.Key)
	c.setMetadata(MetadataLogLevel, owner.LogLevel)
	return c
}

// SetConsumer records the consumer the entitlements go to.
func (c *EntitleByProductsConfig) SetConsumer(consumerUUID string) *EntitleByProductsConfig {
	c.setRequiredString(argConsumerUUID, consumerUUID)
	return c
}

// SetProducts records the products to bind.
func (c *EntitleByProductsConfig) SetProducts(productIDs []string) *EntitleByProductsConfig {
	if c.err != nil {
		return c
	}
	c.args.SetStringSlice(argProductIDs, productIDs)
	return c
}

// SetPools records the pool restriction. Pass an empty slice to allow any
// pool.
func (c *EntitleByProductsConfig) SetPools(poolIDs []string) *EntitleByProductsConfig {
	if c.err != nil {
		return c
	}
	c.args.SetStringSlice(argFromPools, poolIDs)
	return c
}

// SetEntitleDate records the issuance date. The zero time is skipped.
func (c *EntitleByProductsConfig) SetEntitleDate(at time.Time) *EntitleByProductsConfig {
	if c.err != nil || at.IsZero() {
		return c
	}
	c.args.SetTime(argEntitleDate, at)
	return c
}

func validateEntitleByProducts(args Arguments) *ValidationError {
	consumer, ok, err := args.String(argConsumerUUID)
	if err != nil {
		return &ValidationError{Reason: "consumer_uuid has wrong kind", Cause: err}
	}
	if !ok || consumer == "" {
		return &ValidationError{Reason: "consumer_uuid is required"}
	}

	products, ok, err := args.StringSlice(argProductIDs)
	if err != nil {
		return &ValidationError{Reason: "product_ids has wrong kind", Cause: err}
	}
	if !ok || len(products) == 0 {
		return &ValidationError{Reason: "product_ids must be a non-empty list"}
	}

	// from_pools may be empty but must be present.
	if _, ok, err := args.StringSlice(argFromPools); err != nil {
		return &ValidationError{Reason: "from_pools has wrong kind", Cause: err}
	} else if !ok {
		return &ValidationError{Reason: "from_pools is required"}
	}

	if _, _, err := args.Time(argEntitleDate); err != nil {
		return &ValidationError{Reason: "entitle_date has wrong kind", Cause: err}
	}
	return nil
}

// NewEntitleByProductsHandler executes bind_by_products submissions against
// the entitler. Any failure to run the bind is fatal; per-product bind
// rejections are part of a successful run and are audit-logged instead.
func NewEntitleByProductsHandler(entitler *entitlement.Entitler) Handler {
	return func(ctx context.Context, run Run) error {
		consumerUUID, _, _ := run.Args.String(argConsumerUUID)
		productIDs, _, _ := run.Args.StringSlice(argProductIDs)
		fromPools, _, _ := run.Args.StringSlice(argFromPools)
		entitleDate, _, _ := run.Args.Time(argEntitleDate)

		result, err := entitler.BindByProducts(ctx, consumerUUID, productIDs, entitleDate, fromPools)
		if err != nil {
			return FatalError(err)
		}

		fields := map[string]any{
			"job_id":   run.JobID,
			"consumer": consumerUUID,
			"issued":   len(result.Entitlements),
			"failed":   len(result.Failures),
		}
		if org := run.Metadata[MetadataOrg]; org != "" {
			fields["org"] = org
		}
		for _, f := range result.Failures {
			_ = audit.LogEvent(ctx, "job.bind_by_products.rejected", map[string]any{
				"job_id":  run.JobID,
				"product": f.ProductID,
				"pool":    f.PoolID,
				"reason":  f.Reason,
			})
		}
		_ = audit.LogEvent(ctx, "job.bind_by_products.finished", fields)
		return nil
	}
}

package entitlement

// Capability methods consumed by the event builder. Each entity exposes
// only the facets it actually has; the builder probes and skips the rest.

func (o Owner) EntityID() string   { return o.Key }
func (o Owner) TargetName() string { return o.DisplayName }

func (c Consumer) EntityID() string   { return c.UUID }
func (c Consumer) TargetName() string { return c.Name }
func (c Consumer) Owner() string      { return c.OwnerKey }

func (p Pool) EntityID() string       { return p.ID }
func (p Pool) TargetName() string     { return p.ProductID }
func (p Pool) Owner() string          { return p.OwnerKey }
func (p Pool) OwningConsumer() string { return p.ConsumerUUID }

func (e Entitlement) EntityID() string       { return e.ID }
func (e Entitlement) Owner() string          { return e.OwnerKey }
func (e Entitlement) OwningConsumer() string { return e.ConsumerUUID }
func (e Entitlement) ReferencedPool() string { return e.PoolID }

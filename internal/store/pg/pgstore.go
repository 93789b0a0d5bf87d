package pg

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/google/uuid"

	"granary.org/internal/entitlement"
	"granary.org/internal/ids"
)

// Store is the Postgres-backed allocator. General pools are stored with an
// empty consumer_uuid so both uniqueness scopes live behind plain unique
// indexes.
type Store struct {
	db *sql.DB
}

var _ entitlement.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func storeErr(op string, err error) error {
	return &entitlement.StorageError{Op: op, Err: err}
}

func (s *Store) CreateOwner(ctx context.Context, owner entitlement.Owner) (entitlement.Owner, error) {
	owner.Key = strings.TrimSpace(owner.Key)
	if owner.Key == "" {
		return entitlement.Owner{}, entitlement.ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `
		insert into owners(key, display_name, log_level, created_at)
		values ($1,$2,$3, now()) on conflict do nothing
	`, owner.Key, owner.DisplayName, owner.LogLevel)
	if err != nil {
		return entitlement.Owner{}, storeErr("create owner", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entitlement.Owner{}, entitlement.ErrPoolConflict
	}
	owner.CreatedAt = time.Now().UTC()
	return owner, nil
}

func (s *Store) GetOwner(ctx context.Context, key string) (entitlement.Owner, error) {
	var o entitlement.Owner
	err := s.db.QueryRowContext(ctx, `
		select key, display_name, log_level, created_at from owners where key=$1
	`, key).Scan(&o.Key, &o.DisplayName, &o.LogLevel, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Owner{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Owner{}, storeErr("get owner", err)
	}
	return o, nil
}

func (s *Store) RegisterConsumer(ctx context.Context, consumer entitlement.Consumer) (entitlement.Consumer, error) {
	consumer.Name = strings.TrimSpace(consumer.Name)
	if consumer.Name == "" || consumer.OwnerKey == "" {
		return entitlement.Consumer{}, entitlement.ErrInvalidInput
	}
	if consumer.Type == "" {
		consumer.Type = "system"
	}
	if !slices.Contains(entitlement.ConsumerTypes, consumer.Type) {
		return entitlement.Consumer{}, entitlement.ErrInvalidInput
	}
	consumer.UUID = uuid.NewString()

	res, err := s.db.ExecContext(ctx, `
		insert into consumers(uuid, owner_key, name, type, created_at)
		select $1, key, $3, $4, now() from owners where key=$2
	`, consumer.UUID, consumer.OwnerKey, consumer.Name, consumer.Type)
	if err != nil {
		return entitlement.Consumer{}, storeErr("register consumer", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entitlement.Consumer{}, entitlement.ErrNotFound
	}
	consumer.CreatedAt = time.Now().UTC()
	return consumer, nil
}

func (s *Store) GetConsumer(ctx context.Context, consumerUUID string) (entitlement.Consumer, error) {
	var c entitlement.Consumer
	err := s.db.QueryRowContext(ctx, `
		select uuid, owner_key, name, type, created_at from consumers where uuid=$1
	`, consumerUUID).Scan(&c.UUID, &c.OwnerKey, &c.Name, &c.Type, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Consumer{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Consumer{}, storeErr("get consumer", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		select id from entitlements where consumer_uuid=$1 order by issued_at asc
	`, consumerUUID)
	if err != nil {
		return entitlement.Consumer{}, storeErr("get consumer entitlements", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return entitlement.Consumer{}, storeErr("scan entitlement id", err)
		}
		c.Entitlements = append(c.Entitlements, id)
	}
	if err := rows.Err(); err != nil {
		return entitlement.Consumer{}, storeErr("iterate entitlement ids", err)
	}

	prodRows, err := s.db.QueryContext(ctx, `
		select product_id from consumer_products where consumer_uuid=$1 order by product_id
	`, consumerUUID)
	if err != nil {
		return entitlement.Consumer{}, storeErr("get consumer products", err)
	}
	defer prodRows.Close()
	for prodRows.Next() {
		var id string
		if err := prodRows.Scan(&id); err != nil {
			return entitlement.Consumer{}, storeErr("scan product id", err)
		}
		c.ConsumedProducts = append(c.ConsumedProducts, id)
	}
	if err := prodRows.Err(); err != nil {
		return entitlement.Consumer{}, storeErr("iterate product ids", err)
	}
	return c, nil
}

func (s *Store) CreatePool(ctx context.Context, candidate entitlement.Pool) (entitlement.Pool, error) {
	if candidate.OwnerKey == "" || candidate.ProductID == "" {
		return entitlement.Pool{}, entitlement.ErrInvalidInput
	}
	if !candidate.Unlimited && candidate.MaxMembers <= 0 {
		return entitlement.Pool{}, entitlement.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return entitlement.Pool{}, storeErr("begin create pool", err)
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	err = tx.QueryRowContext(ctx, `select 1 from owners where key=$1`, candidate.OwnerKey).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Pool{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Pool{}, storeErr("check owner", err)
	}

	// Uniqueness scope check inside the same transaction; the unique index
	// on (owner_key, product_id, consumer_uuid) backstops racing writers.
	var occupied int
	err = tx.QueryRowContext(ctx, `
		select count(1) from pools
		where owner_key=$1 and product_id=$2 and consumer_uuid=$3
	`, candidate.OwnerKey, candidate.ProductID, candidate.ConsumerUUID).Scan(&occupied)
	if err != nil {
		return entitlement.Pool{}, storeErr("check pool scope", err)
	}
	if occupied > 0 {
		return entitlement.Pool{}, entitlement.ErrPoolConflict
	}

	candidate.ID = ids.New()
	candidate.CurrentMembers = 0
	if _, err := tx.ExecContext(ctx, `
		insert into pools(id, owner_key, product_id, consumer_uuid, max_members, current_members, unlimited, created_at)
		values ($1,$2,$3,$4,$5,0,$6, now())
	`, candidate.ID, candidate.OwnerKey, candidate.ProductID, candidate.ConsumerUUID, candidate.MaxMembers, candidate.Unlimited); err != nil {
		return entitlement.Pool{}, storeErr("insert pool", err)
	}
	if err := tx.Commit(); err != nil {
		return entitlement.Pool{}, storeErr("commit create pool", err)
	}
	candidate.CreatedAt = time.Now().UTC()
	return candidate, nil
}

func (s *Store) GetPool(ctx context.Context, id string) (entitlement.Pool, error) {
	p, err := scanPool(s.db.QueryRowContext(ctx, `
		select id, owner_key, product_id, consumer_uuid, max_members, current_members, unlimited, created_at
		from pools where id=$1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Pool{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Pool{}, storeErr("get pool", err)
	}
	return p, nil
}

func (s *Store) LookupPool(ctx context.Context, ownerKey, consumerUUID, productID string) (entitlement.Pool, error) {
	// The consumer's own pool outranks the general pool for the product.
	p, err := scanPool(s.db.QueryRowContext(ctx, `
		select id, owner_key, product_id, consumer_uuid, max_members, current_members, unlimited, created_at
		from pools
		where owner_key=$1 and product_id=$2 and (consumer_uuid=$3 or consumer_uuid='')
		order by (consumer_uuid=$3) desc
		limit 1
	`, ownerKey, productID, consumerUUID))
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Pool{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Pool{}, storeErr("lookup pool", err)
	}
	return p, nil
}

func (s *Store) ListPoolsByOwner(ctx context.Context, ownerKey string) ([]entitlement.Pool, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, owner_key, product_id, consumer_uuid, max_members, current_members, unlimited, created_at
		from pools where owner_key=$1 order by id
	`, ownerKey)
	if err != nil {
		return nil, storeErr("list pools", err)
	}
	defer rows.Close()

	var res []entitlement.Pool
	for rows.Next() {
		var p entitlement.Pool
		if err := rows.Scan(&p.ID, &p.OwnerKey, &p.ProductID, &p.ConsumerUUID, &p.MaxMembers, &p.CurrentMembers, &p.Unlimited, &p.CreatedAt); err != nil {
			return nil, storeErr("scan pool", err)
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate pools", err)
	}
	return res, nil
}

func (s *Store) CreateEntitlement(ctx context.Context, poolID, consumerUUID string, at time.Time) (entitlement.Entitlement, error) {
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return entitlement.Entitlement{}, storeErr("begin create entitlement", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the pool row for the duration of the bookkeeping.
	p, err := scanPool(tx.QueryRowContext(ctx, `
		select id, owner_key, product_id, consumer_uuid, max_members, current_members, unlimited, created_at
		from pools where id=$1 for update
	`, poolID))
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Entitlement{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Entitlement{}, storeErr("lock pool", err)
	}

	var dummy int
	err = tx.QueryRowContext(ctx, `select 1 from consumers where uuid=$1`, consumerUUID).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Entitlement{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Entitlement{}, storeErr("check consumer", err)
	}

	// Transactional backstop for the caller-side availability check:
	// racing binds that both saw room must not both get through.
	if !p.Unlimited && p.CurrentMembers >= p.MaxMembers {
		return entitlement.Entitlement{}, entitlement.ErrPoolExhausted
	}

	ent := entitlement.Entitlement{
		ID:           ids.New(),
		PoolID:       p.ID,
		ConsumerUUID: consumerUUID,
		OwnerKey:     p.OwnerKey,
		ProductID:    p.ProductID,
		IssuedAt:     at,
	}
	if _, err := tx.ExecContext(ctx, `
		update pools set current_members = current_members + 1 where id=$1
	`, p.ID); err != nil {
		return entitlement.Entitlement{}, storeErr("bump pool members", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into entitlements(id, pool_id, consumer_uuid, owner_key, product_id, issued_at)
		values ($1,$2,$3,$4,$5,$6)
	`, ent.ID, ent.PoolID, ent.ConsumerUUID, ent.OwnerKey, ent.ProductID, ent.IssuedAt); err != nil {
		return entitlement.Entitlement{}, storeErr("insert entitlement", err)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into consumer_products(consumer_uuid, product_id)
		values ($1,$2) on conflict do nothing
	`, ent.ConsumerUUID, ent.ProductID); err != nil {
		return entitlement.Entitlement{}, storeErr("record consumed product", err)
	}
	if err := tx.Commit(); err != nil {
		return entitlement.Entitlement{}, storeErr("commit create entitlement", err)
	}
	return ent, nil
}

func (s *Store) ListEntitlements(ctx context.Context, consumerUUID string) ([]entitlement.Entitlement, error) {
	var dummy int
	err := s.db.QueryRowContext(ctx, `select 1 from consumers where uuid=$1`, consumerUUID).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, storeErr("check consumer", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, pool_id, consumer_uuid, owner_key, product_id, issued_at
		from entitlements where consumer_uuid=$1 order by issued_at asc
	`, consumerUUID)
	if err != nil {
		return nil, storeErr("list entitlements", err)
	}
	defer rows.Close()

	var res []entitlement.Entitlement
	for rows.Next() {
		var e entitlement.Entitlement
		if err := rows.Scan(&e.ID, &e.PoolID, &e.ConsumerUUID, &e.OwnerKey, &e.ProductID, &e.IssuedAt); err != nil {
			return nil, storeErr("scan entitlement", err)
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate entitlements", err)
	}
	return res, nil
}

func (s *Store) Initialize(ctx context.Context) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, storeErr("begin initialize", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRowContext(ctx, `select count(1) from consumer_types`).Scan(&existing); err != nil {
		return false, storeErr("check initialization", err)
	}
	if existing > 0 {
		return false, nil
	}
	for _, name := range entitlement.ConsumerTypes {
		if _, err := tx.ExecContext(ctx, `
			insert into consumer_types(name) values ($1) on conflict do nothing
		`, name); err != nil {
			return false, storeErr("seed consumer type", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, storeErr("commit initialize", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (entitlement.Pool, error) {
	var p entitlement.Pool
	err := row.Scan(&p.ID, &p.OwnerKey, &p.ProductID, &p.ConsumerUUID, &p.MaxMembers, &p.CurrentMembers, &p.Unlimited, &p.CreatedAt)
	return p, err
}

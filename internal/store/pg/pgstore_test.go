package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"granary.org/internal/entitlement"
)

var poolColumns = []string{"id", "owner_key", "product_id", "consumer_uuid", "max_members", "current_members", "unlimited", "created_at"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestLookupPoolPrefersConsumerPool(t *testing.T) {
	store, mock := newMockStore(t)

	created := time.Now().UTC()
	mock.ExpectQuery("from pools").
		WithArgs("acme", "prod-1", "c-1").
		WillReturnRows(sqlmock.NewRows(poolColumns).
			AddRow("pool-scoped", "acme", "prod-1", "c-1", int64(1), int64(0), false, created))

	p, err := store.LookupPool(context.Background(), "acme", "c-1", "prod-1")
	if err != nil {
		t.Fatalf("LookupPool: %v", err)
	}
	if p.ID != "pool-scoped" || p.ConsumerUUID != "c-1" {
		t.Fatalf("pool = %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLookupPoolNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("from pools").
		WithArgs("acme", "prod-x", "c-1").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.LookupPool(context.Background(), "acme", "c-1", "prod-x"); !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreatePoolConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from owners").WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery("from pools").WithArgs("acme", "prod-1", "").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, err := store.CreatePool(context.Background(), entitlement.Pool{OwnerKey: "acme", ProductID: "prod-1", MaxMembers: 5})
	if !errors.Is(err, entitlement.ErrPoolConflict) {
		t.Fatalf("err = %v, want ErrPoolConflict", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreatePoolInsertsInOneTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from owners").WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery("from pools").WithArgs("acme", "prod-1", "c-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("insert into pools").
		WithArgs(sqlmock.AnyArg(), "acme", "prod-1", "c-1", int64(2), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p, err := store.CreatePool(context.Background(), entitlement.Pool{
		OwnerKey: "acme", ProductID: "prod-1", ConsumerUUID: "c-1", MaxMembers: 2,
	})
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	if p.ID == "" {
		t.Fatal("expected generated pool id")
	}
	if p.CurrentMembers != 0 {
		t.Fatalf("current_members = %d, want 0", p.CurrentMembers)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreatePoolRejectsMissingOwner(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from owners").WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.CreatePool(context.Background(), entitlement.Pool{OwnerKey: "ghost", ProductID: "p", MaxMembers: 1})
	if !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateEntitlementGuardsCapacity(t *testing.T) {
	store, mock := newMockStore(t)

	created := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("from pools").WithArgs("pool-1").
		WillReturnRows(sqlmock.NewRows(poolColumns).
			AddRow("pool-1", "acme", "prod-1", "", int64(1), int64(1), false, created))
	mock.ExpectQuery("select 1 from consumers").WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectRollback()

	_, err := store.CreateEntitlement(context.Background(), "pool-1", "c-1", time.Time{})
	if !errors.Is(err, entitlement.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateEntitlementUnlimitedBypassesGuard(t *testing.T) {
	store, mock := newMockStore(t)

	created := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("from pools").WithArgs("pool-1").
		WillReturnRows(sqlmock.NewRows(poolColumns).
			AddRow("pool-1", "acme", "prod-1", "", int64(1), int64(9), true, created))
	mock.ExpectQuery("select 1 from consumers").WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec("update pools set current_members").WithArgs("pool-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into entitlements").
		WithArgs(sqlmock.AnyArg(), "pool-1", "c-1", "acme", "prod-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into consumer_products").WithArgs("c-1", "prod-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ent, err := store.CreateEntitlement(context.Background(), "pool-1", "c-1", time.Time{})
	if err != nil {
		t.Fatalf("CreateEntitlement: %v", err)
	}
	if ent.PoolID != "pool-1" || ent.ProductID != "prod-1" || ent.OwnerKey != "acme" {
		t.Fatalf("entitlement = %+v", ent)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInitializeSeedsOnce(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from consumer_types").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	for range entitlement.ConsumerTypes {
		mock.ExpectExec("insert into consumer_types").
			WithArgs(sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	fresh, err := store.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !fresh {
		t.Fatal("expected fresh initialization")
	}

	mock.ExpectBegin()
	mock.ExpectQuery("from consumer_types").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectRollback()

	fresh, err = store.Initialize(context.Background())
	if err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if fresh {
		t.Fatal("second call should report already initialized")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetOwnerNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("from owners").WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	if _, err := store.GetOwner(context.Background(), "ghost"); !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

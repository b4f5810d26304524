package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/gomega"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/lifecycle"
)

var storeCols = []string{
	"id", "name", "engine", "theme", "status", "owner_id", "namespace", "helm_release",
	"storefront_url", "admin_url", "admin_email", "admin_username", "admin_password",
	"failure_reason", "retry_count", "provisioning_started_at", "provisioning_completed_at",
	"provisioning_duration_ms", "created_at", "updated_at", "deleted_at",
}

func storeRow(id string, status lifecycle.Status) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(storeCols).AddRow(
		id, "shop-a", "woocommerce", nil, string(status), "user-1", id, id,
		nil, nil, nil, nil, nil,
		nil, 0, nil, nil,
		nil, now, now, nil,
	)
}

func newMockRegistry(t *testing.T) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("creating sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQL(sqlx.NewDb(db, "sqlmock"), logr.Discard()), mock
}

func TestCreate(t *testing.T) {
	g := NewWithT(t)
	r, mock := newMockRegistry(t)

	mock.ExpectQuery(`INSERT INTO stores`).
		WithArgs("store-a1b2c3d4", "shop-a", EngineWooCommerce, nil, lifecycle.StatusRequested,
			"user-1", "store-a1b2c3d4", "store-a1b2c3d4", 0).
		WillReturnRows(storeRow("store-a1b2c3d4", lifecycle.StatusRequested))

	store := &Store{
		ID:          "store-a1b2c3d4",
		Name:        "shop-a",
		Engine:      EngineWooCommerce,
		Status:      lifecycle.StatusRequested,
		OwnerID:     "user-1",
		Namespace:   "store-a1b2c3d4",
		HelmRelease: "store-a1b2c3d4",
	}
	g.Expect(r.Create(context.Background(), store)).To(Succeed())
	g.Expect(store.CreatedAt).NotTo(BeZero())
	g.Expect(mock.ExpectationsWereMet()).To(Succeed())
}

func TestCreateDuplicateNameIsConflict(t *testing.T) {
	g := NewWithT(t)
	r, mock := newMockRegistry(t)

	// Two concurrent creates for the same (name, owner): the loser hits the
	// partial unique index on live rows.
	mock.ExpectQuery(`INSERT INTO stores`).
		WillReturnError(errors.New(`ERROR: duplicate key value violates unique constraint "idx_stores_name_owner_live" (SQLSTATE 23505)`))

	err := r.Create(context.Background(), &Store{
		ID:          "store-a1b2c3d4",
		Name:        "shop-a",
		Engine:      EngineWooCommerce,
		Status:      lifecycle.StatusRequested,
		OwnerID:     "user-1",
		Namespace:   "store-a1b2c3d4",
		HelmRelease: "store-a1b2c3d4",
	})
	g.Expect(err).To(HaveOccurred())
	g.Expect(apierror.CodeOf(err)).To(Equal(apierror.CodeConflict))
}

func TestFindByIDMissing(t *testing.T) {
	g := NewWithT(t)
	r, mock := newMockRegistry(t)

	mock.ExpectQuery(`SELECT .* FROM stores WHERE id`).
		WithArgs("store-missing0").
		WillReturnRows(sqlmock.NewRows(storeCols))

	store, err := r.FindByID(context.Background(), "store-missing0")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(store).To(BeNil())
}

func TestUpdateStoreOptimisticConflict(t *testing.T) {
	g := NewWithT(t)
	r, mock := newMockRegistry(t)

	expected := lifecycle.StatusRequested
	next := lifecycle.StatusProvisioning

	// Precondition no longer holds: zero rows come back.
	mock.ExpectQuery(`UPDATE stores SET .* WHERE id = .* AND status =`).
		WithArgs(next, "store-a1b2c3d4", expected).
		WillReturnRows(sqlmock.NewRows(storeCols))

	store, err := r.UpdateStore(context.Background(), "store-a1b2c3d4", Update{Status: &next}, &expected)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(store).To(BeNil(), "a failed precondition surfaces as a nil row, not an error")
}

func TestUpdateStoreOptimisticSuccess(t *testing.T) {
	g := NewWithT(t)
	r, mock := newMockRegistry(t)

	expected := lifecycle.StatusRequested
	next := lifecycle.StatusProvisioning
	started := time.Now()

	mock.ExpectQuery(`UPDATE stores SET .* WHERE id = .* AND status =`).
		WithArgs(next, started, "store-a1b2c3d4", expected).
		WillReturnRows(storeRow("store-a1b2c3d4", next))

	store, err := r.UpdateStore(context.Background(), "store-a1b2c3d4",
		Update{Status: &next, ProvisioningStartedAt: &started}, &expected)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(store).NotTo(BeNil())
	g.Expect(store.Status).To(Equal(next))
	g.Expect(mock.ExpectationsWereMet()).To(Succeed())
}

func TestCountActiveByOwnerExcludesDeletedAndFailed(t *testing.T) {
	g := NewWithT(t)
	r, mock := newMockRegistry(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM stores\s+WHERE owner_id = \$1 AND status NOT IN \('deleted', 'failed'\)`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := r.CountActiveByOwner(context.Background(), "user-1")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(count).To(Equal(3))
}

func TestListExcludesDeletedByDefault(t *testing.T) {
	g := NewWithT(t)
	r, mock := newMockRegistry(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM stores WHERE status <> 'deleted' AND owner_id`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`SELECT .* FROM stores WHERE status <> 'deleted' AND owner_id .* ORDER BY created_at DESC`).
		WithArgs("user-1", 20, 0).
		WillReturnRows(storeRow("store-a1b2c3d4", lifecycle.StatusReady))

	stores, total, err := r.List(context.Background(), ListFilter{OwnerID: "user-1"})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(total).To(Equal(1))
	g.Expect(stores).To(HaveLen(1))
	g.Expect(stores[0].ID).To(Equal("store-a1b2c3d4"))
}

func TestCountByStatus(t *testing.T) {
	g := NewWithT(t)
	r, mock := newMockRegistry(t)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM stores GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("ready", 2).
			AddRow("deleted", 5))

	counts, err := r.CountByStatus(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(counts).To(Equal(map[lifecycle.Status]int{
		lifecycle.StatusReady:   2,
		lifecycle.StatusDeleted: 5,
	}))
}

func TestFindStuck(t *testing.T) {
	g := NewWithT(t)
	r, mock := newMockRegistry(t)

	rows := storeRow("store-aaaaaaaa", lifecycle.StatusProvisioning)
	mock.ExpectQuery(`SELECT .* FROM stores\s+WHERE status IN \('requested', 'provisioning', 'deleting'\)`).
		WillReturnRows(rows)

	stores, err := r.FindStuck(context.Background())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(stores).To(HaveLen(1))
	g.Expect(stores[0].Status).To(Equal(lifecycle.StatusProvisioning))
}

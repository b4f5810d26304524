package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/lifecycle"
)

// Registry is the store persistence contract consumed by the orchestrator and
// the HTTP surface.
type Registry interface {
	Create(ctx context.Context, store *Store) error
	// FindByID returns (nil, nil) when no row exists.
	FindByID(ctx context.Context, id string) (*Store, error)
	// FindByNameAndOwner ignores soft-deleted rows and returns (nil, nil)
	// when no live row exists.
	FindByNameAndOwner(ctx context.Context, name, ownerID string) (*Store, error)
	List(ctx context.Context, filter ListFilter) ([]Store, int, error)
	// UpdateStore applies upd conditionally: when expectedStatus is non-nil the
	// write only happens if the row still has that status. A nil row with nil
	// error means the precondition no longer held; the caller lost a race.
	UpdateStore(ctx context.Context, id string, upd Update, expectedStatus *lifecycle.Status) (*Store, error)
	// CountActiveByOwner counts stores occupying the owner's quota, excluding
	// deleted and failed rows.
	CountActiveByOwner(ctx context.Context, ownerID string) (int, error)
	// CountByStatus returns the number of stores in each status, soft-deleted
	// rows included.
	CountByStatus(ctx context.Context) (map[lifecycle.Status]int, error)
	// FindStuck returns stores in an in-progress state, oldest first.
	FindStuck(ctx context.Context) ([]Store, error)
}

const storeColumns = `id, name, engine, theme, status, owner_id, namespace, helm_release,
	storefront_url, admin_url, admin_email, admin_username, admin_password,
	failure_reason, retry_count, provisioning_started_at, provisioning_completed_at,
	provisioning_duration_ms, created_at, updated_at, deleted_at`

// SQL implements Registry over PostgreSQL.
type SQL struct {
	db  *sqlx.DB
	log logr.Logger
}

// NewSQL wraps an open database handle.
func NewSQL(db *sqlx.DB, log logr.Logger) *SQL {
	return &SQL{db: db, log: log.WithName("registry")}
}

func (r *SQL) Create(ctx context.Context, store *Store) error {
	const q = `
		INSERT INTO stores (id, name, engine, theme, status, owner_id, namespace, helm_release, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + storeColumns
	row := r.db.QueryRowxContext(ctx, q,
		store.ID, store.Name, store.Engine, store.Theme, store.Status,
		store.OwnerID, store.Namespace, store.HelmRelease, store.RetryCount)
	if err := row.StructScan(store); err != nil {
		if isUniqueViolation(err) {
			// A concurrent create won the (name, owner) race.
			return apierror.Newf(apierror.CodeConflict,
				"store %q already exists for this owner", store.Name).
				WithSuggestion("Choose a different name or delete the existing store.")
		}
		return fmt.Errorf("inserting store %s: %w", store.ID, err)
	}
	return nil
}

// isUniqueViolation matches the pgx error text for code 23505.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}

func (r *SQL) FindByID(ctx context.Context, id string) (*Store, error) {
	const q = `SELECT ` + storeColumns + ` FROM stores WHERE id = $1`
	var store Store
	if err := r.db.GetContext(ctx, &store, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding store %s: %w", id, err)
	}
	return &store, nil
}

func (r *SQL) FindByNameAndOwner(ctx context.Context, name, ownerID string) (*Store, error) {
	const q = `SELECT ` + storeColumns + ` FROM stores
		WHERE name = $1 AND owner_id = $2 AND status <> 'deleted'`
	var store Store
	if err := r.db.GetContext(ctx, &store, q, name, ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding store %s for owner %s: %w", name, ownerID, err)
	}
	return &store, nil
}

func (r *SQL) List(ctx context.Context, filter ListFilter) ([]Store, int, error) {
	where := []string{}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != "" {
		where = append(where, "status = "+arg(filter.Status))
	} else {
		where = append(where, "status <> 'deleted'")
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = "+arg(filter.OwnerID))
	}
	if filter.Engine != "" {
		where = append(where, "engine = "+arg(filter.Engine))
	}
	clause := "WHERE " + strings.Join(where, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM stores "+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("counting stores: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := fmt.Sprintf("SELECT %s FROM stores %s ORDER BY created_at DESC LIMIT %s OFFSET %s",
		storeColumns, clause, arg(limit), arg(filter.Offset))

	stores := []Store{}
	if err := r.db.SelectContext(ctx, &stores, q, args...); err != nil {
		return nil, 0, fmt.Errorf("listing stores: %w", err)
	}
	return stores, total, nil
}

func (r *SQL) UpdateStore(ctx context.Context, id string, upd Update, expectedStatus *lifecycle.Status) (*Store, error) {
	set := []string{"updated_at = NOW()"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if upd.Status != nil {
		set = append(set, "status = "+arg(*upd.Status))
	}
	if upd.StorefrontURL != nil {
		set = append(set, "storefront_url = "+arg(*upd.StorefrontURL))
	}
	if upd.AdminURL != nil {
		set = append(set, "admin_url = "+arg(*upd.AdminURL))
	}
	if upd.AdminEmail != nil {
		set = append(set, "admin_email = "+arg(*upd.AdminEmail))
	}
	if upd.AdminUsername != nil {
		set = append(set, "admin_username = "+arg(*upd.AdminUsername))
	}
	if upd.AdminPassword != nil {
		set = append(set, "admin_password = "+arg(*upd.AdminPassword))
	}
	if upd.FailureReason != nil {
		set = append(set, "failure_reason = "+arg(*upd.FailureReason))
	} else if upd.ClearFailureReason {
		set = append(set, "failure_reason = NULL")
	}
	if upd.RetryCount != nil {
		set = append(set, "retry_count = "+arg(*upd.RetryCount))
	}
	if upd.ProvisioningStartedAt != nil {
		set = append(set, "provisioning_started_at = "+arg(*upd.ProvisioningStartedAt))
	}
	if upd.ProvisioningCompletedAt != nil {
		set = append(set, "provisioning_completed_at = "+arg(*upd.ProvisioningCompletedAt))
	}
	if upd.ProvisioningDurationMS != nil {
		set = append(set, "provisioning_duration_ms = "+arg(*upd.ProvisioningDurationMS))
	}
	if upd.ClearProvisioningTimes {
		set = append(set, "provisioning_started_at = NULL", "provisioning_completed_at = NULL", "provisioning_duration_ms = NULL")
	}
	if upd.DeletedAt != nil {
		set = append(set, "deleted_at = "+arg(*upd.DeletedAt))
	}

	q := fmt.Sprintf("UPDATE stores SET %s WHERE id = %s", strings.Join(set, ", "), arg(id))
	if expectedStatus != nil {
		q += " AND status = " + arg(*expectedStatus)
	}
	q += " RETURNING " + storeColumns

	var store Store
	if err := r.db.QueryRowxContext(ctx, q, args...).StructScan(&store); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Either the row is gone or the status precondition failed; both
			// surface to the caller as a lost race.
			return nil, nil
		}
		return nil, fmt.Errorf("updating store %s: %w", id, err)
	}
	return &store, nil
}

func (r *SQL) CountActiveByOwner(ctx context.Context, ownerID string) (int, error) {
	const q = `SELECT COUNT(*) FROM stores
		WHERE owner_id = $1 AND status NOT IN ('deleted', 'failed')`
	var count int
	if err := r.db.GetContext(ctx, &count, q, ownerID); err != nil {
		return 0, fmt.Errorf("counting active stores for owner %s: %w", ownerID, err)
	}
	return count, nil
}

func (r *SQL) CountByStatus(ctx context.Context) (map[lifecycle.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM stores GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting stores by status: %w", err)
	}
	defer rows.Close()

	counts := map[lifecycle.Status]int{}
	for rows.Next() {
		var status lifecycle.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("counting stores by status: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *SQL) FindStuck(ctx context.Context) ([]Store, error) {
	q := fmt.Sprintf(`SELECT %s FROM stores
		WHERE status IN ('%s', '%s', '%s') ORDER BY updated_at ASC`,
		storeColumns, lifecycle.StatusRequested, lifecycle.StatusProvisioning, lifecycle.StatusDeleting)
	stores := []Store{}
	if err := r.db.SelectContext(ctx, &stores, q); err != nil {
		return nil, fmt.Errorf("finding stuck stores: %w", err)
	}
	return stores, nil
}

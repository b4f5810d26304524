// Package audit records the append-only event trail. Writes never propagate
// errors to callers: a lost audit row must not fail a provisioning workflow.
package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
)

// EventType classifies audit events.
type EventType string

const (
	EventStoreCreated  EventType = "store_created"
	EventStatusChange  EventType = "status_change"
	EventHelmInstall   EventType = "helm_install"
	EventHelmUninstall EventType = "helm_uninstall"
	EventInfo          EventType = "info"
	EventWarning       EventType = "warning"
	EventError         EventType = "error"
	EventRecovery      EventType = "recovery"
	EventSecurity      EventType = "security"
)

// Event is one audit trail entry.
type Event struct {
	ID             int64           `db:"id" json:"id"`
	StoreID        *string         `db:"store_id" json:"storeId,omitempty"`
	EventType      EventType       `db:"event_type" json:"eventType"`
	PreviousStatus *string         `db:"previous_status" json:"previousStatus,omitempty"`
	NewStatus      *string         `db:"new_status" json:"newStatus,omitempty"`
	Message        string          `db:"message" json:"message"`
	Metadata       json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	IPAddress      *string         `db:"ip_address" json:"ipAddress,omitempty"`
	UserEmail      *string         `db:"user_email" json:"userEmail,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
}

// Entry is the write-side shape handed to Log.
type Entry struct {
	StoreID        string
	EventType      EventType
	PreviousStatus string
	NewStatus      string
	Message        string
	Metadata       map[string]any
	IPAddress      string
	UserEmail      string
}

// Filter narrows Query results.
type Filter struct {
	StoreID   string
	EventType EventType
	// OwnerID restricts events to stores owned by the given tenant, joined
	// through the stores table.
	OwnerID string
	Limit   int
	Offset  int
}

// Log is the audit trail contract.
type Log interface {
	// Record appends an event. It never returns an error; failures are logged
	// and swallowed.
	Record(ctx context.Context, entry Entry)
	Query(ctx context.Context, filter Filter) ([]Event, int, error)
}

// SQL implements Log over PostgreSQL.
type SQL struct {
	db  *sqlx.DB
	log logr.Logger
}

// NewSQL wraps an open database handle.
func NewSQL(db *sqlx.DB, log logr.Logger) *SQL {
	return &SQL{db: db, log: log.WithName("audit")}
}

func (a *SQL) Record(ctx context.Context, entry Entry) {
	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			a.log.Error(err, "dropping unmarshalable audit metadata", "eventType", entry.EventType)
			metadata = nil
		}
	}

	const q = `
		INSERT INTO audit_logs (store_id, event_type, previous_status, new_status, message, metadata, ip_address, user_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := a.db.ExecContext(ctx, q,
		nullable(entry.StoreID), entry.EventType,
		nullable(entry.PreviousStatus), nullable(entry.NewStatus),
		entry.Message, metadata,
		nullable(entry.IPAddress), nullable(entry.UserEmail))
	if err != nil {
		// Audit writes must never fail the caller.
		a.log.Error(err, "failed to write audit event",
			"eventType", entry.EventType, "storeId", entry.StoreID)
	}
}

func (a *SQL) Query(ctx context.Context, filter Filter) ([]Event, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.StoreID != "" {
		where += " AND a.store_id = " + arg(filter.StoreID)
	}
	if filter.EventType != "" {
		where += " AND a.event_type = " + arg(filter.EventType)
	}
	join := ""
	if filter.OwnerID != "" {
		join = " JOIN stores s ON s.id = a.store_id"
		where += " AND s.owner_id = " + arg(filter.OwnerID)
	}

	var total int
	countQ := "SELECT COUNT(*) FROM audit_logs a" + join + " " + where
	if err := a.db.GetContext(ctx, &total, countQ, args...); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT a.id, a.store_id, a.event_type, a.previous_status, a.new_status,
		a.message, a.metadata, a.ip_address, a.user_email, a.created_at
		FROM audit_logs a` + join + " " + where +
		" ORDER BY a.created_at DESC, a.id DESC LIMIT " + arg(limit) + " OFFSET " + arg(filter.Offset)

	events := []Event{}
	if err := a.db.SelectContext(ctx, &events, q, args...); err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package stores

import (
	"context"
	"time"

	"github.com/openmost/mostd/pkg/engine"
)

// RouteReport is a stored route report.
type RouteReport struct {
	ID         string           `json:"id"`
	RouteID    uint16           `json:"route_id"`
	RouteName  string           `json:"route_name"`
	Info       engine.RouteInfo `json:"info"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// ResourceEvent is a stored resource diagnostic.
type ResourceEvent struct {
	ID           string              `json:"id"`
	Node         uint16              `json:"node"`
	ResourceType string              `json:"resource_type"`
	Handle       uint16              `json:"handle"`
	Info         engine.ResourceInfo `json:"info"`
	Job          string              `json:"job"`
	Error        *string             `json:"error,omitempty"`
	RecordedAt   time.Time           `json:"recorded_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "daemon.started", "activation.applied"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // route, node or file
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Filter narrows list queries. Zero fields match everything.
type Filter struct {
	// RouteID selects the reports of one route.
	RouteID *uint16

	// Node selects the resource events of one device.
	Node *uint16

	// Action selects audit entries.
	Action *string

	// Since drops records older than the given time.
	Since time.Time

	Limit  int
	Offset int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Route reports
	AppendRouteReport(ctx context.Context, report *RouteReport) error
	ListRouteReports(ctx context.Context, filter Filter) ([]*RouteReport, error)

	// Resource diagnostics
	AppendResourceEvent(ctx context.Context, event *ResourceEvent) error
	ListResourceEvents(ctx context.Context, filter Filter) ([]*ResourceEvent, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, filter Filter) ([]*AuditEntry, error)

	// Prune deletes reports and events recorded before the given time.
	Prune(ctx context.Context, before time.Time) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

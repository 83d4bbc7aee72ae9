package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block admission.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block admission.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies a route.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are collected from the
	// deny set of its package.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Route is the id of the route being admitted.
	Route uint16 `json:"route"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of an admission evaluation.
type Result struct {
	// Allowed is false when a blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Blocking returns the violations that deny admission.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies are evaluated against, available as
// `input` in Rego.
type Input struct {
	Route   RouteInput   `json:"route"`
	Network NetworkInput `json:"network"`
	Context Context      `json:"context"`
}

// RouteInput describes the route asking for admission.
type RouteInput struct {
	ID        uint16        `json:"id"`
	Name      string        `json:"name"`
	Bandwidth int           `json:"bandwidth"`
	Source    EndpointInput `json:"source"`
	Sink      EndpointInput `json:"sink"`
}

// EndpointInput describes one end of a route.
type EndpointInput struct {
	Name      string          `json:"name"`
	Node      string          `json:"node"`
	Address   uint16          `json:"address"`
	Bandwidth int             `json:"bandwidth"`
	Resources []ResourceInput `json:"resources"`
}

// ResourceInput describes one resource of an endpoint. Direction, DataType
// and Bandwidth are set for sockets only.
type ResourceInput struct {
	Type      string `json:"type"`
	Direction string `json:"direction,omitempty"`
	DataType  string `json:"data_type,omitempty"`
	Bandwidth int    `json:"bandwidth,omitempty"`
}

// NetworkInput describes the network the route would be built on.
type NetworkInput struct {
	// MaxBandwidth is the bandwidth routes may allocate, zero for no limit.
	MaxBandwidth int `json:"max_bandwidth"`

	// BandwidthInUse is allocated by routes that are built or being built.
	BandwidthInUse int `json:"bandwidth_in_use"`

	// ActiveRoutes counts the routes that are built or being built.
	ActiveRoutes int `json:"active_routes"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the operation being performed.
	Operation string `json:"operation"`
}

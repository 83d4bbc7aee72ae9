package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		networkBandwidthPolicy(),
		socketMatchPolicy(),
		loopbackPolicy(),
	}
}

// networkBandwidthPolicy keeps the allocated bandwidth within the configured limit.
func networkBandwidthPolicy() Policy {
	return Policy{
		Name:        "network-bandwidth",
		Description: "Denies routes that would allocate more network bandwidth than configured",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"bandwidth"},
		LoadedAt:    time.Now(),
		Rego: `package mostd.admission.bandwidth

deny contains violation if {
	limit := input.network.max_bandwidth
	limit > 0
	total := input.network.bandwidth_in_use + input.route.bandwidth
	total > limit
	violation := {
		"message": sprintf("route %s needs %d bandwidth units, %d of %d in use", [input.route.name, input.route.bandwidth, input.network.bandwidth_in_use, limit]),
		"severity": "error",
	}
}
`,
	}
}

// socketMatchPolicy checks that both ends use the same kind of MOST channel.
func socketMatchPolicy() Policy {
	return Policy{
		Name:        "socket-match",
		Description: "Checks that the MOST sockets of source and sink agree on data type and bandwidth",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"sockets"},
		LoadedAt:    time.Now(),
		Rego: `package mostd.admission.sockets

most_sockets(endpoint) := [r | some r in endpoint.resources; r.type == "most_socket"]

deny contains violation if {
	some src in most_sockets(input.route.source)
	some sink in most_sockets(input.route.sink)
	src.data_type != sink.data_type
	violation := {
		"message": sprintf("source carries %s data, sink expects %s", [src.data_type, sink.data_type]),
		"severity": "error",
	}
}

deny contains violation if {
	input.route.source.bandwidth != input.route.sink.bandwidth
	violation := {
		"message": sprintf("source allocates %d bandwidth units, sink %d", [input.route.source.bandwidth, input.route.sink.bandwidth]),
		"severity": "warning",
	}
}

deny contains violation if {
	count(most_sockets(input.route.source)) == 0
	violation := {
		"message": sprintf("source %s has no MOST socket", [input.route.source.name]),
		"severity": "warning",
	}
}
`,
	}
}

// loopbackPolicy flags routes whose ends sit on the same device.
func loopbackPolicy() Policy {
	return Policy{
		Name:        "loopback",
		Description: "Reports routes whose source and sink are on the same node",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"topology"},
		LoadedAt:    time.Now(),
		Rego: `package mostd.admission.loopback

deny contains msg if {
	input.route.source.address == input.route.sink.address
	msg := sprintf("route %s loops back on node %s", [input.route.name, input.route.source.node])
}
`,
	}
}

// Package policy provides Open Policy Agent (OPA) route admission for mostd.
//
// Before an idle route starts construction the route manager asks an
// Admitter, which evaluates every enabled Rego policy against a description
// of the route and of the bandwidth already allocated on the network.
//
// # Architecture
//
//  1. Engine - Compiles and evaluates Rego policies
//  2. Loader - Loads policies from files and directories and watches them
//  3. Admitter - Builds the policy input for a route and applies the mode
//  4. Built-in Policies - Bandwidth limit, socket agreement and loopback checks
//
// # Writing Policies
//
// A policy is a Rego module whose deny set holds its violations. Members are
// either messages, which take the policy severity, or objects carrying their
// own severity:
//
//	package site.rear
//
//	deny contains violation if {
//	    input.route.sink.node == "rear-amplifier"
//	    input.network.active_routes >= 4
//	    violation := {"message": "rear zone is full", "severity": "error"}
//	}
//
// Violations of severity error or critical deny admission in enforcing mode.
// In advisory mode they are logged and the route is admitted. A denied route
// stays idle and is evaluated again on the next recheck.
//
// # Input
//
//	{
//	  "route":   {"id", "name", "bandwidth", "source": {...}, "sink": {...}},
//	  "network": {"max_bandwidth", "bandwidth_in_use", "active_routes"},
//	  "context": {"timestamp", "operation"}
//	}
//
// Each endpoint carries its name, node, address, MOST bandwidth and the list
// of its resources with type, direction, data type and bandwidth.
package policy

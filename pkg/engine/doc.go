// Package engine provides the core types and interfaces shared by the mostd
// route lifecycle packages.
//
// # Overview
//
// mostd builds streaming routes on a MOST network. A route joins two
// endpoints; each endpoint is a job list, an ordered chain of resources
// created on one remote device. The packages built on this one work in
// layers:
//
//  1. Pool - Records which job created which device handle (package pool)
//  2. Job Engine - Builds and tears down one job list at a time per device (package jobs)
//  3. Endpoint Manager - Drives endpoints through the job engines (package endpoint)
//  4. Route Manager - Advances routes through their lifecycle (package routing)
//
// # Core Domain Types
//
//   - Descriptor: A resource to create on a device. MOST sockets, MLB, USB,
//     streaming and RMCK ports and sockets, sync, DFI phase, AVP and QoS
//     connections, combiners, splitters and default created ports
//   - JobList: The ordered descriptors of one endpoint
//   - Node: A remote device with its signature and configuration script
//   - JobReport: The outcome of a construct or teardown
//   - ResourceEvent: A per-resource diagnostic
//
// Descriptors reference the descriptors they depend on. A job list lists
// every referenced descriptor before its users; descriptors shared between
// job lists of the same node are created once and reference counted.
//
// # Collaborators
//
// The core never talks to hardware directly. A Transceiver sends encoded
// resource requests and delivers the result asynchronously, RemoteSync
// synchronizes a device before resources are created on it, and a
// DeviceEventSource pushes invalidations and device loss.
//
// # Error Classification
//
// Errors carry a class that drives the retry policy:
//
//   - Uncritical: Transient failures; the step is retried
//   - Critical: The device refused or the resource is gone; the job fails
//   - Rejected: The request was refused synchronously (busy, pool full,
//     invalid state) and nothing was started
//
//	if engine.IsRetryable(err) {
//	    // retry on the next recheck
//	}
//
// # State Tracking
//
//   - JobState: idle, attaching, building, built, destroying, failed
//   - EndpointState: idle, processing, built
//   - RouteState: idle, construction, built, deteriorated, destruction, suspended
//   - RouteInfo: the reports delivered to the application
//
// # Thread Safety
//
// Types in this package are plain values. The packages using them run every
// state change on the scheduler goroutine.
package engine

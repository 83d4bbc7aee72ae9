// Package config loads the mostd configuration document and turns it into
// the runtime network model.
//
// # Formats
//
// Documents are YAML or CUE (JSON is read as CUE). CUE documents are unified
// with a built-in #Document schema before decoding, so type and range errors
// are reported with file positions. Every document is then checked with
// struct tags (go-playground/validator) and a graph pass that resolves the
// resource references of each node.
//
// # Network model
//
// Each node carries a catalogue of resources keyed by id. An endpoint lists
// catalogue ids in creation order; a resource must be listed after the
// resources it references. Endpoints on one node that list the same id share
// the descriptor, so the resource is created once and kept until its last
// user is gone. Routes join a source endpoint to a sink endpoint by name.
//
//	network:
//	  nodes:
//	    - name: amplifier
//	      address: 0x210
//	      script: {file: amplifier.star}
//	      resources:
//	        - {id: mlb0, type: mlb_port}
//	        - {id: most-in, type: most_socket, direction: in, data_type: sync, bandwidth: 4}
//	        - {id: mlb-out, type: mlb_socket, port: mlb0, direction: out, data_type: sync, bandwidth: 4}
//	        - {id: sync, type: sync_connection, in: most-in, out: mlb-out}
//	  endpoints:
//	    - {name: amp, kind: sink, node: amplifier, resources: [mlb0, most-in, mlb-out, sync]}
//	  routes:
//	    - {id: 1, name: main, source: head-unit-audio, sink: amp}
//
// # Activation
//
// An optional activation file lists the routes that should be active. The
// Watcher applies it at start and again whenever the file changes.
package config

package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
)

// socketPorts maps each socket type to the port types its port may be.
var socketPorts = map[string]string{
	"mlb_socket":    "mlb",
	"usb_socket":    "usb",
	"stream_socket": "stream",
}

var connectionTypes = map[string]bool{
	"sync_connection":      true,
	"dfi_phase_connection": true,
	"avp_connection":       true,
	"qos_connection":       true,
}

var directedTypes = map[string]bool{
	"most_socket":   true,
	"mlb_socket":    true,
	"usb_socket":    true,
	"stream_socket": true,
}

// Validate checks field constraints and the network graph: unique names,
// resolvable references, references listed before their users in every
// endpoint, and routes joining a source to a sink. Every problem found is
// reported; the result combines them with multierr.
func (l *Loader) Validate(doc *Document) error {
	var errs error
	if err := l.validate.Struct(doc); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = multierr.Append(errs, &ValidationError{
				Path:    fe.Namespace(),
				Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
			})
		}
	}
	return multierr.Append(errs, validateGraph(&doc.Network))
}

func validateGraph(n *NetworkConfig) error {
	var errs error
	fail := func(path, format string, args ...interface{}) {
		errs = multierr.Append(errs, &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	nodes := make(map[string]map[string]ResourceConfig, len(n.Nodes))
	addresses := make(map[uint16]string, len(n.Nodes))
	for i, node := range n.Nodes {
		path := fmt.Sprintf("network.nodes[%d]", i)
		if _, dup := nodes[node.Name]; dup {
			fail(path+".name", "duplicate node %q", node.Name)
			continue
		}
		if other, dup := addresses[node.Address]; dup {
			fail(path+".address", "address 0x%04X already used by node %q", node.Address, other)
		}
		addresses[node.Address] = node.Name

		catalogue := make(map[string]ResourceConfig, len(node.Resources))
		for j, rc := range node.Resources {
			if _, dup := catalogue[rc.ID]; dup {
				fail(fmt.Sprintf("%s.resources[%d].id", path, j), "duplicate resource %q", rc.ID)
				continue
			}
			catalogue[rc.ID] = rc
		}
		for j, rc := range node.Resources {
			rpath := fmt.Sprintf("%s.resources[%d]", path, j)
			for field, ref := range references(rc) {
				if ref == "" {
					fail(rpath+"."+field, "%s needs %s", rc.Type, field)
					continue
				}
				target, ok := catalogue[ref]
				if !ok {
					fail(rpath+"."+field, "unknown resource %q", ref)
					continue
				}
				if want, isSocket := socketPorts[rc.Type]; isSocket && !portOfType(target, want) {
					fail(rpath+".port", "%q is not a %s port", ref, want)
				}
			}
			if directedTypes[rc.Type] && rc.Direction == "" {
				fail(rpath+".direction", "%s needs a direction", rc.Type)
			}
			if rc.Type == "default_created_port" && rc.PortType == "" {
				fail(rpath+".port_type", "default_created_port needs a port_type")
			}
		}
		nodes[node.Name] = catalogue
	}

	kinds := make(map[string]string, len(n.Endpoints))
	for i, ep := range n.Endpoints {
		path := fmt.Sprintf("network.endpoints[%d]", i)
		if _, dup := kinds[ep.Name]; dup {
			fail(path+".name", "duplicate endpoint %q", ep.Name)
			continue
		}
		kinds[ep.Name] = ep.Kind

		catalogue, ok := nodes[ep.Node]
		if !ok {
			fail(path+".node", "unknown node %q", ep.Node)
			continue
		}
		listed := make(map[string]bool, len(ep.Resources))
		for j, id := range ep.Resources {
			rc, ok := catalogue[id]
			rpath := fmt.Sprintf("%s.resources[%d]", path, j)
			switch {
			case !ok:
				fail(rpath, "node %q has no resource %q", ep.Node, id)
			case listed[id]:
				fail(rpath, "resource %q listed twice", id)
			default:
				for _, ref := range references(rc) {
					if ref != "" && !listed[ref] {
						fail(rpath, "%q uses %q, which must be listed before it", id, ref)
					}
				}
			}
			listed[id] = true
		}
	}

	ids := make(map[uint16]bool, len(n.Routes))
	for i, r := range n.Routes {
		path := fmt.Sprintf("network.routes[%d]", i)
		if ids[r.ID] {
			fail(path+".id", "duplicate route id %d", r.ID)
		}
		ids[r.ID] = true

		if kind, ok := kinds[r.Source]; !ok {
			fail(path+".source", "unknown endpoint %q", r.Source)
		} else if kind != "source" {
			fail(path+".source", "endpoint %q is a %s", r.Source, kind)
		}
		if kind, ok := kinds[r.Sink]; !ok {
			fail(path+".sink", "unknown endpoint %q", r.Sink)
		} else if kind != "sink" {
			fail(path+".sink", "endpoint %q is a %s", r.Sink, kind)
		}
	}
	return errs
}

// references returns the reference fields a resource type needs, keyed by
// field name. Empty values are missing references.
func references(rc ResourceConfig) map[string]string {
	switch {
	case socketPorts[rc.Type] != "":
		return map[string]string{"port": rc.Port}
	case connectionTypes[rc.Type]:
		return map[string]string{"in": rc.In, "out": rc.Out}
	case rc.Type == "combiner", rc.Type == "splitter":
		return map[string]string{"socket": rc.Socket}
	}
	return nil
}

func portOfType(rc ResourceConfig, portType string) bool {
	if rc.Type == "default_created_port" {
		return rc.PortType == portType
	}
	return rc.Type == portType+"_port"
}

package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
)

// SchemaRegistry holds the CUE definitions documents are checked against.
// Definitions share the CUE context of the loader so they unify with the
// documents it compiles.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in document schema.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("document", builtinDocumentSchema, "#Document"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles schema and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema, def string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	d := val.LookupPath(cue.ParsePath(def))
	if !d.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = d
	return nil
}

// GetSchema returns a registered definition.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	val, ok := sr.schemas[name]
	return val, ok
}

// Apply unifies val with a schema and checks that the result is concrete.
func (sr *SchemaRegistry) Apply(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ListSchemas returns the registered schema names in order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinDocumentSchema = `
#U8:  int & >=0 & <=0xFF
#U16: int & >=0 & <=0xFFFF

#Resource: {
	id:   =~"^[A-Za-z0-9_.-]+$"
	type: "most_socket" | "mlb_port" | "mlb_socket" | "usb_port" | "usb_socket" |
		"rmck_port" | "stream_port" | "stream_socket" | "sync_connection" |
		"dfi_phase_connection" | "combiner" | "splitter" | "avp_connection" |
		"qos_connection" | "default_created_port"

	direction?: "in" | "out" | "input" | "output"
	data_type?: "sync" | "control" | "av_packetized" | "qos_ip" | "disc_frame_phase" | "ipc_packet"
	bandwidth?: #U16

	port?:   string
	in?:     string
	out?:    string
	socket?: string

	index?:               #U8
	clock_config?:        #U16
	clock_source?:        #U16
	divisor?:             #U16
	data_alignment?:      #U8
	channel_address?:     #U16
	endpoint_address?:    #U8
	frames_per_transfer?: #U16
	pin?:                 #U8
	physical_layer?:      #U8
	device_interfaces?:   #U16
	streaming_in?:        #U8
	streaming_out?:       #U8
	port_type?:           "mlb" | "usb" | "stream"
	port_handle?:         #U16
	bytes_per_frame?:     #U16
	isoc_packet_size?:    #U16
	mute_mode?:           "no_muting" | "mute_signal"
	offset?:              #U16
}

#Node: {
	name:           string
	address:        #U16 & >0
	group_address?: #U16
	mac?:           string
	script?: {
		source?: string
		file?:   string
	}
	resources: [...#Resource] | *[]
}

#Endpoint: {
	name: string
	kind: "source" | "sink"
	node: string
	resources: [string, ...string]
}

#Route: {
	id:      #U16
	name:    string
	source:  string
	sink:    string
	active?: bool
}

#Document: {
	network: {
		nodes: [#Node, ...#Node]
		endpoints: [...#Endpoint] | *[]
		routes:    [...#Route] | *[]
	}
	...
}
`

package mycelia

import "sync"

// Graph is a namespace of registered nodes (§4.3 Graph Registry). Nodes must
// be registered before a Session opens against the graph; registration is
// rejected once the graph has been sealed by Open, mirroring the teacher
// engine's "Add before Run" contract.
type Graph struct {
	ID    string
	codec Codec

	mu     sync.RWMutex
	nodes  map[string]*Node
	sealed bool
}

// NewGraph creates an empty, unsealed graph namespaced by id.
func NewGraph(id string) *Graph {
	return &Graph{
		ID:    id,
		codec: defaultCodec,
		nodes: make(map[string]*Node),
	}
}

// Register adds a node under name. Returns DuplicateNodeRegistration if the
// name is already taken, and a DuplicateNodeRegistration-coded error as well
// (with a "graph is sealed" message) if the graph has already been sealed by
// an open Session.
func (g *Graph) Register(name string, body Body, schema ArgSchema) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return nil, &CallError{Code: CodeDuplicateNodeRegistration, Message: "graph is sealed: cannot register node " + name + " after a session has opened"}
	}
	if _, exists := g.nodes[name]; exists {
		return nil, &CallError{Code: CodeDuplicateNodeRegistration, Message: "node already registered: " + name}
	}

	n := &Node{graph: g, Name: name, Schema: schema, body: body}
	g.nodes[name] = n
	return n, nil
}

// Lookup finds a registered node by name.
func (g *Graph) Lookup(name string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[name]
	return n, ok
}

func (g *Graph) seal() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sealed = true
}

// Package router resolves inbound requests to runtime operations.
package router

import (
	"fmt"
	"sort"
	"sync"
)

// OperationKind distinguishes operations that reply from those that do not.
type OperationKind string

const (
	OneWay          OperationKind = "one-way"
	RequestResponse OperationKind = "request-response"
)

// Operation is a named entry point of the service runtime.
type Operation struct {
	Name string
	Kind OperationKind
}

// Directory answers operation queries for the adapter.
type Directory interface {
	// RequestResponse returns id only if it names a request-response operation.
	RequestResponse(id string) (Operation, bool)
	// Operation returns the operation named id regardless of kind.
	Operation(id string) (Operation, bool)
	// CanServe reports whether the listener named endpoint may serve op.
	CanServe(endpoint string, op Operation) bool
}

// Catalog is a Directory built from configuration. It is safe for
// concurrent use and can be replaced wholesale on reload.
type Catalog struct {
	mu         sync.RWMutex
	operations map[string]Operation
	listeners  map[string]map[string]bool
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		operations: make(map[string]Operation),
		listeners:  make(map[string]map[string]bool),
	}
}

// Register adds or replaces an operation.
func (c *Catalog) Register(op Operation) error {
	if op.Name == "" {
		return fmt.Errorf("operation name is required")
	}
	switch op.Kind {
	case OneWay, RequestResponse:
	default:
		return fmt.Errorf("operation %q: unknown kind %q", op.Name, op.Kind)
	}

	c.mu.Lock()
	c.operations[op.Name] = op
	c.mu.Unlock()
	return nil
}

// Allow restricts endpoint to the named operations. An endpoint that was
// never restricted may serve every registered operation.
func (c *Catalog) Allow(endpoint string, operations ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	allowed, ok := c.listeners[endpoint]
	if !ok {
		allowed = make(map[string]bool)
		c.listeners[endpoint] = allowed
	}
	for _, name := range operations {
		allowed[name] = true
	}
}

// Replace swaps the catalog contents with those of other.
func (c *Catalog) Replace(other *Catalog) {
	other.mu.RLock()
	ops := make(map[string]Operation, len(other.operations))
	for k, v := range other.operations {
		ops[k] = v
	}
	listeners := make(map[string]map[string]bool, len(other.listeners))
	for k, v := range other.listeners {
		allowed := make(map[string]bool, len(v))
		for name := range v {
			allowed[name] = true
		}
		listeners[k] = allowed
	}
	other.mu.RUnlock()

	c.mu.Lock()
	c.operations = ops
	c.listeners = listeners
	c.mu.Unlock()
}

// Names returns the registered operation names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.operations))
	for name := range c.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) RequestResponse(id string) (Operation, bool) {
	op, ok := c.Operation(id)
	if !ok || op.Kind != RequestResponse {
		return Operation{}, false
	}
	return op, true
}

func (c *Catalog) Operation(id string) (Operation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	op, ok := c.operations[id]
	return op, ok
}

func (c *Catalog) CanServe(endpoint string, op Operation) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.operations[op.Name]; !ok {
		return false
	}
	allowed, restricted := c.listeners[endpoint]
	if !restricted {
		return true
	}
	return allowed[op.Name]
}

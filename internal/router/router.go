package router

import "github.com/sadewadee/httpbridge/internal/value"

// Names of the children added when a request is re-wrapped for the default operation.
const (
	FallbackBody      = "body"
	FallbackOperation = "operation"
)

// Route is the outcome of routing one inbound request.
type Route struct {
	Operation string
	Value     *value.Value
	// Resolved is false when neither the requested nor a default operation
	// matched; the runtime is left to reject the message.
	Resolved bool
	// Fallback is true when the request was re-wrapped for the default operation.
	Fallback bool
}

// Router maps request paths to operations for one listener.
type Router struct {
	Directory Directory
	Endpoint  string
	// Default names the operation receiving requests for unknown operations.
	Default string
}

// Route resolves id. A known operation the endpoint may serve is routed as
// is; otherwise, when a default operation is configured, the request is
// wrapped as {body: v, operation: id} and routed there.
func (r Router) Route(id string, v *value.Value) Route {
	if op, ok := r.Directory.Operation(id); ok && r.Directory.CanServe(r.Endpoint, op) {
		return Route{Operation: id, Value: v, Resolved: true}
	}

	if r.Default != "" {
		wrapped := value.New()
		wrapped.Add(FallbackBody, v)
		wrapped.First(FallbackOperation).SetString(id)
		return Route{Operation: r.Default, Value: wrapped, Resolved: true, Fallback: true}
	}

	return Route{Operation: id, Value: v}
}

// Package action defines the process-wide action registry: the schema,
// middleware, and transport bindings every dispatch call looks up by name.
// Grounded on the teacher's handlers/routes layer (one Fiber handler per
// route, hand-validated fields) generalized into the spec's transport-
// agnostic, declaratively-validated action definition.
package action

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// FieldKind names the accepted scalar/list kinds a schema field may declare.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindInt    FieldKind = "int"
	KindFloat  FieldKind = "float"
	KindBool   FieldKind = "bool"
	KindList   FieldKind = "list"
)

// FieldSchema describes one input field (spec §9: "explicit per-field flags
// in the schema description").
type FieldSchema struct {
	Kind        FieldKind
	Optional    bool
	Default     any
	Description string
	Secret      bool
}

// InputSchema maps field name to its schema.
type InputSchema map[string]FieldSchema

// SecretFields returns the subset of field names marked secret, for the
// dispatch pipeline's log sanitizer.
func (s InputSchema) SecretFields() map[string]bool {
	out := make(map[string]bool)
	for name, f := range s {
		if f.Secret {
			out[name] = true
		}
	}
	return out
}

// HTTPMethod restricts web bindings to the methods the spec names.
type HTTPMethod string

const (
	MethodGet     HTTPMethod = "GET"
	MethodPost    HTTPMethod = "POST"
	MethodPut     HTTPMethod = "PUT"
	MethodPatch   HTTPMethod = "PATCH"
	MethodDelete  HTTPMethod = "DELETE"
	MethodOptions HTTPMethod = "OPTIONS"
	MethodHead    HTTPMethod = "HEAD"
)

// Web is an action's optional HTTP route binding. Route may be a literal
// path or contain ":name" capture segments.
type Web struct {
	Method HTTPMethod
	Route  string
}

// Task is an action's optional scheduled-invocation binding.
type Task struct {
	FrequencyMS int
	Queue       string
}

// MCP controls an action's exposure over the MCP transport.
type MCP struct {
	Enabled        bool
	IsLoginAction  bool
	IsSignupAction bool
}

// Conn is the minimal connection surface middleware and actions need; it is
// satisfied by *conn.Connection, which dispatch passes to middleware and Run
// as an action.Conn.
type Conn interface {
	ID() string
	Type() string
}

// Middleware runs before and/or after an action. Either hook may be nil.
type Middleware struct {
	Name      string
	RunBefore func(ctx context.Context, params map[string]any, conn Conn) (map[string]any, error)
	RunAfter  func(ctx context.Context, params map[string]any, response any, conn Conn) (any, error)
}

// Definition is a process-wide, immutable-after-registration action.
type Definition struct {
	Name        string
	Description string
	InputSchema InputSchema
	Middleware  []Middleware
	Web         *Web
	Task        *Task
	TimeoutMS   int
	MCP         MCP
	Run         func(ctx context.Context, params map[string]any, conn Conn) (any, error)
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9:._-]{1,200}$`)

// Registry holds every registered action, keyed by name (spec invariant i:
// "Action names are globally unique within a process").
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*Definition
}

// NewRegistry returns an empty action registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*Definition)}
}

// Register adds a definition. Registering a duplicate or malformed name
// returns an error instead of panicking: unlike registry.Component (wired
// once at startup by the process owner), actions may be registered by
// user-project code discovered at runtime, so a bad name should be
// reportable rather than crash the process.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("action: name must not be empty")
	}
	if !namePattern.MatchString(def.Name) {
		return fmt.Errorf("action: name %q does not match %s", def.Name, namePattern.String())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[def.Name]; exists {
		return fmt.Errorf("action: %q already registered", def.Name)
	}
	r.actions[def.Name] = def
	return nil
}

// Lookup returns the definition for name, if any.
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.actions[name]
	return d, ok
}

// All returns every registered definition, order undefined.
func (r *Registry) All() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.actions))
	for _, d := range r.actions {
		out = append(out, d)
	}
	return out
}

package objlink

// serializer.go: the pluggable object codec and the type registry
// behind it.
//
// Object frames carry a nominal type name next to the payload. The
// registry maps those names to concrete Go types so a polymorphic
// decode lands on the right struct. The default codec is JSON via
// goccy/go-json; anything honoring Serializer can be slotted into
// Config instead.

import (
	"fmt"
	"reflect"
	"sync"

	gjson "github.com/goccy/go-json"
)

// Serializer converts one application object to and from bytes.
// Unmarshal resolves the wire type name through the registry and
// returns a pointer to a freshly allocated value. UnmarshalInto
// decodes into a caller-supplied destination instead; the RMI
// dispatcher uses it when the target Go type is already known.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, typeName string) (any, error)
	UnmarshalInto(data []byte, out any) error
}

// TypeRegistry maps wire type names, "<full type name>, <module name>",
// to Go types. Lookup is exact-string only.
type TypeRegistry struct {
	mut    sync.Mutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Register binds name to example's type. Pointers are flattened:
// registering (*Foo)(nil) and Foo{} mean the same thing.
func (r *TypeRegistry) Register(name string, example any) {
	t := reflect.TypeOf(example)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.mut.Lock()
	r.byName[name] = t
	r.byType[t] = name
	r.mut.Unlock()
}

func (r *TypeRegistry) Known(name string) bool {
	r.mut.Lock()
	_, ok := r.byName[name]
	r.mut.Unlock()
	return ok
}

func (r *TypeRegistry) TypeOf(name string) (reflect.Type, bool) {
	r.mut.Lock()
	t, ok := r.byName[name]
	r.mut.Unlock()
	return t, ok
}

// NameFor gives the wire name for v: the registered name when there
// is one, else the Go package-qualified name. Sending an unregistered
// type is legal; the receiving peer surfaces the unknown name as a
// per-frame serialization error, not a connection failure.
func (r *TypeRegistry) NameFor(v any) (string, error) {
	return r.nameForType(reflect.TypeOf(v)), nil
}

func (r *TypeRegistry) nameForType(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.mut.Lock()
	name, ok := r.byType[t]
	r.mut.Unlock()
	if ok {
		return name
	}
	return goTypeName(t)
}

// Clone copies the registry; handy for giving one peer its own view
// in tests and multi-tenant servers.
func (r *TypeRegistry) Clone() *TypeRegistry {
	c := NewTypeRegistry()
	r.mut.Lock()
	for k, v := range r.byName {
		c.byName[k] = v
	}
	for k, v := range r.byType {
		c.byType[k] = v
	}
	r.mut.Unlock()
	return c
}

func goTypeName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

// JSONSerializer is the default codec. The type name travels in the
// frame envelope, so the JSON body stays plain; nested polymorphism
// is the registered type's own business (json.RawMessage fields etc).
type JSONSerializer struct {
	reg *TypeRegistry
}

func NewJSONSerializer(reg *TypeRegistry) *JSONSerializer {
	return &JSONSerializer{reg: reg}
}

func (s *JSONSerializer) Marshal(v any) ([]byte, error) {
	return gjson.Marshal(v)
}

func (s *JSONSerializer) Unmarshal(data []byte, typeName string) (any, error) {
	t, ok := s.reg.TypeOf(typeName)
	if !ok {
		return nil, fmt.Errorf("no type registered under %q", typeName)
	}
	pv := reflect.New(t)
	if err := gjson.Unmarshal(data, pv.Interface()); err != nil {
		return nil, err
	}
	return pv.Interface(), nil
}

func (s *JSONSerializer) UnmarshalInto(data []byte, out any) error {
	return gjson.Unmarshal(data, out)
}

// process-wide defaults: one shared registry pre-loaded with the
// library's own wire types. It stays mutable until the first
// connection-bearing Config is built, then freezes; per-peer
// registries via Clone() remain fully mutable.
var (
	defaultRegOnce sync.Once
	defaultReg     *TypeRegistry
	defaultsInUse  sync.Once
	defaultsFrozen bool
	defaultsMut    sync.Mutex
)

// DefaultRegistry returns the shared registry. The library's own
// envelope types are always present.
func DefaultRegistry() *TypeRegistry {
	defaultRegOnce.Do(func() {
		defaultReg = NewTypeRegistry()
		registerBuiltins(defaultReg)
	})
	return defaultReg
}

func registerBuiltins(r *TypeRegistry) {
	r.Register(credsTypeName, Credentials{})
	r.Register(invokeReqTypeName, InvokeRequest{})
	r.Register(invokeResTypeName, InvokeResult{})
}

// RegisterType adds an application type to the shared default
// registry. It must happen before the first Server/Client is built;
// afterwards it returns an error and the caller should use a cloned
// per-config registry instead.
func RegisterType(name string, example any) error {
	defaultsMut.Lock()
	frozen := defaultsFrozen
	defaultsMut.Unlock()
	if frozen {
		return fmt.Errorf("default registry frozen after first use; Clone() a registry into your Config instead")
	}
	DefaultRegistry().Register(name, example)
	return nil
}

func freezeDefaults() {
	defaultsInUse.Do(func() {
		defaultsMut.Lock()
		defaultsFrozen = true
		defaultsMut.Unlock()
	})
}

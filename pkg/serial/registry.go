package serial

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry names the Go types the serializer may write into interface-typed slots,
// and the struct types it may write at all.
//
// A type that is not registered cannot be decoded later,
// so encoding it fails up front instead.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
	known  map[reflect.Type]bool
}

func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
		known:  make(map[reflect.Type]bool),
	}
	for name, sample := range builtins {
		r.Register(name, sample)
	}
	return r
}

var builtins = map[string]interface{}{
	"int":               int(0),
	"int8":              int8(0),
	"int16":             int16(0),
	"int32":             int32(0),
	"uint":              uint(0),
	"uint8":             uint8(0),
	"uint16":            uint16(0),
	"uint32":            uint32(0),
	"uint64":            uint64(0),
	"float32":           float32(0),
	"[]string":          []string(nil),
	"[]int":             []int(nil),
	"[]int64":           []int64(nil),
	"[]float64":         []float64(nil),
	"map[string]string": map[string]string(nil),
	"map[string]int":    map[string]int(nil),
	"map[string]int64":  map[string]int64(nil),
}

// DefaultRegistry is used by Register and by encoders and decoders which are not given another one.
var DefaultRegistry = NewRegistry()

// Register adds a type to the DefaultRegistry.
func Register(name string, sample interface{}) {
	DefaultRegistry.Register(name, sample)
}

// Register makes the type of sample known under name.
// Registering a pointer type also makes its element type known,
// so that the pointed-to struct may be encoded.
//
// Registering two different types under one name panics:
// it is a programming error, and would make stored data ambiguous.
func (r *Registry) Register(name string, sample interface{}) {
	t := reflect.TypeOf(sample)
	if t == nil {
		panic("serial: cannot register the nil type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[name]; ok && existing != t {
		panic(fmt.Sprintf("serial: type name %q registered twice, for %s and %s", name, existing, t))
	}
	r.byName[name] = t
	r.byType[t] = name
	r.known[t] = true
	if t.Kind() == reflect.Ptr {
		r.known[t.Elem()] = true
	}
}

// NameOf returns the registered name of t.
func (r *Registry) NameOf(t reflect.Type) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byType[t]
	return name, ok
}

// TypeOf returns the type registered under name.
func (r *Registry) TypeOf(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Known reports whether values of t may be encoded.
func (r *Registry) Known(t reflect.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.known[t]
}

// TypeName returns the name recorded in resource metadata for a value:
// the registered name, or the Go type for canonical values.
func (r *Registry) TypeName(v interface{}) string {
	if v == nil {
		return "nil"
	}
	t := reflect.TypeOf(v)
	if name, ok := r.NameOf(t); ok {
		return name
	}
	return t.String()
}

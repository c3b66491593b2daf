package serial

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/node/basicnode"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/resource"
)

// Token keys. A map holding exactly these keys is never user data:
// user map keys starting with "@" are escaped by doubling the "@".
const (
	keyRef    = "@ref"
	keyObject = "@object"
	keyType   = "@type"
	keyValue  = "@value"

	// RefPrefix starts every reference token.
	RefPrefix = "metabase:"
)

// StructTag is the struct tag consulted for fields; `metabase:"-"` skips a field.
const StructTag = "metabase"

var (
	objectType     = reflect.TypeOf((*resource.Object)(nil))
	localDepType   = reflect.TypeOf((*resource.LocalDependency)(nil)).Elem()
	canonicalTypes = map[reflect.Type]bool{
		reflect.TypeOf(false):                    true,
		reflect.TypeOf(""):                       true,
		reflect.TypeOf(int64(0)):                 true,
		reflect.TypeOf(float64(0)):               true,
		reflect.TypeOf([]byte(nil)):              true,
		reflect.TypeOf([]interface{}(nil)):       true,
		reflect.TypeOf(map[string]interface{}{}): true,
		objectType:                               true,
	}
)

// EncodeOptions tune one encode.
type EncodeOptions struct {
	// Substitutions encodes objects without an ID of their own as references to the given IDs.
	// This is how objects still pending in a transaction are referenced.
	Substitutions map[*resource.Object]mbapi.ResourceID

	// NonPortable lists extra types which may not leave the process.
	NonPortable []reflect.Type

	// Registry defaults to DefaultRegistry.
	Registry *Registry
}

type encoder struct {
	opts     EncodeOptions
	reg      *Registry
	root     *resource.Object
	visiting map[visitKey]bool
}

type visitKey struct {
	ptr uintptr
	typ reflect.Type
}

// Encode serializes root and everything reachable from it as dag-cbor.
//
// root is always written in full. Any other object with an ID,
// or listed in opts.Substitutions, is written as a reference token.
//
// Errors:
//
//    - metabase-error-not-portable -- if anything reachable depends on local state
//    - metabase-error-not-serializable -- if anything reachable could not be decoded again
func Encode(root *resource.Object, opts EncodeOptions) ([]byte, error) {
	n, err := EncodeNode(root, opts)
	if err != nil {
		return nil, err
	}
	data, err := ipld.Encode(n, dagcbor.Encode)
	if err != nil {
		return nil, mbapi.ErrorSerialization("encoding resource", err)
	}
	return data, nil
}

// EncodeNode is Encode without the final codec step.
//
// Errors:
//
//    - metabase-error-not-portable -- if anything reachable depends on local state
//    - metabase-error-not-serializable -- if anything reachable could not be decoded again
func EncodeNode(root *resource.Object, opts EncodeOptions) (datamodel.Node, error) {
	if root == nil {
		return nil, mbapi.ErrorNotSerializable("nil", "the root object must not be nil")
	}
	e := &encoder{
		opts:     opts,
		reg:      opts.Registry,
		root:     root,
		visiting: make(map[visitKey]bool),
	}
	if e.reg == nil {
		e.reg = DefaultRegistry
	}
	return e.encodeObject(root)
}

func (e *encoder) encodeObject(o *resource.Object) (datamodel.Node, error) {
	if o == nil {
		return datamodel.Null, nil
	}
	if o != e.root {
		if id, ok := e.opts.Substitutions[o]; ok {
			return refNode(id)
		}
		if id := o.ID(); id != "" {
			return refNode(id)
		}
	}
	k := visitKey{reflect.ValueOf(o).Pointer(), objectType}
	if e.visiting[k] {
		return nil, mbapi.ErrorNotSerializable(objectType.String(), "reference cycle through an object without a resource ID")
	}
	e.visiting[k] = true
	defer delete(e.visiting, k)

	value, err := e.encode(reflect.ValueOf(&o.Value).Elem(), true)
	if err != nil {
		return nil, err
	}
	body, err := buildMap([]entry{
		{"doc", basicnode.NewString(o.Doc)},
		{"value", value},
	})
	if err != nil {
		return nil, err
	}
	return buildMap([]entry{{keyObject, body}})
}

func refNode(id mbapi.ResourceID) (datamodel.Node, error) {
	return buildMap([]entry{{keyRef, basicnode.NewString(RefPrefix + string(id))}})
}

func (e *encoder) encode(v reflect.Value, dynamic bool) (datamodel.Node, error) {
	if !v.IsValid() {
		return datamodel.Null, nil
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return datamodel.Null, nil
		}
		return e.encode(v.Elem(), true)
	}
	t := v.Type()
	if err := e.checkPortable(t); err != nil {
		return nil, err
	}
	if t == objectType {
		return e.encodeObject(v.Interface().(*resource.Object))
	}
	if dynamic && !canonicalTypes[t] {
		name, ok := e.reg.NameOf(t)
		if !ok {
			return nil, mbapi.ErrorNotSerializable(t.String(), "type is not registered")
		}
		inner, err := e.encodeStatic(v)
		if err != nil {
			return nil, err
		}
		return buildMap([]entry{
			{keyType, basicnode.NewString(name)},
			{keyValue, inner},
		})
	}
	return e.encodeStatic(v)
}

func (e *encoder) checkPortable(t reflect.Type) error {
	if t.Implements(localDepType) {
		return mbapi.ErrorNotPortable(t.String())
	}
	for _, np := range e.opts.NonPortable {
		if t == np {
			return mbapi.ErrorNotPortable(t.String())
		}
	}
	return nil
}

func (e *encoder) encodeStatic(v reflect.Value) (datamodel.Node, error) {
	t := v.Type()
	switch t.Kind() {
	case reflect.Bool:
		return basicnode.NewBool(v.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return basicnode.NewInt(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := v.Uint()
		if u > math.MaxInt64 {
			return nil, mbapi.ErrorNotSerializable(t.String(), fmt.Sprintf("value %d does not fit a signed 64-bit integer", u))
		}
		return basicnode.NewInt(int64(u)), nil
	case reflect.Float32, reflect.Float64:
		return basicnode.NewFloat(v.Float()), nil
	case reflect.String:
		return basicnode.NewString(v.String()), nil
	case reflect.Slice:
		if v.IsNil() {
			return datamodel.Null, nil
		}
		if t.Elem().Kind() == reflect.Uint8 {
			return basicnode.NewBytes(v.Bytes()), nil
		}
		k := visitKey{v.Pointer(), t}
		if e.visiting[k] {
			return nil, mbapi.ErrorNotSerializable(t.String(), "slice contains itself")
		}
		e.visiting[k] = true
		defer delete(e.visiting, k)
		return e.encodeList(v)
	case reflect.Array:
		return e.encodeList(v)
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, mbapi.ErrorNotSerializable(t.String(), "map keys must be strings")
		}
		if v.IsNil() {
			return datamodel.Null, nil
		}
		k := visitKey{v.Pointer(), t}
		if e.visiting[k] {
			return nil, mbapi.ErrorNotSerializable(t.String(), "map contains itself")
		}
		e.visiting[k] = true
		defer delete(e.visiting, k)
		return e.encodeMap(v)
	case reflect.Struct:
		if !e.reg.Known(t) {
			return nil, mbapi.ErrorNotSerializable(t.String(), "struct type is not registered")
		}
		return e.encodeStruct(v)
	case reflect.Ptr:
		if v.IsNil() {
			return datamodel.Null, nil
		}
		k := visitKey{v.Pointer(), t}
		if e.visiting[k] {
			return nil, mbapi.ErrorNotSerializable(t.String(), "pointer cycle")
		}
		e.visiting[k] = true
		defer delete(e.visiting, k)
		return e.encode(v.Elem(), false)
	case reflect.Interface:
		return e.encode(v, true)
	}
	return nil, mbapi.ErrorNotSerializable(t.String(), "values of kind "+t.Kind().String()+" cannot be serialized")
}

func (e *encoder) encodeList(v reflect.Value) (datamodel.Node, error) {
	nb := basicnode.Prototype.List.NewBuilder()
	la, err := nb.BeginList(int64(v.Len()))
	if err != nil {
		return nil, mbapi.ErrorInternal("building list", err)
	}
	for i := 0; i < v.Len(); i++ {
		n, err := e.encode(v.Index(i), false)
		if err != nil {
			return nil, err
		}
		if err := la.AssembleValue().AssignNode(n); err != nil {
			return nil, mbapi.ErrorInternal("building list", err)
		}
	}
	if err := la.Finish(); err != nil {
		return nil, mbapi.ErrorInternal("building list", err)
	}
	return nb.Build(), nil
}

func (e *encoder) encodeMap(v reflect.Value) (datamodel.Node, error) {
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	entries := make([]entry, 0, len(keys))
	for _, k := range keys {
		n, err := e.encode(v.MapIndex(k), false)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{escapeKey(k.String()), n})
	}
	return buildMap(entries)
}

func (e *encoder) encodeStruct(v reflect.Value) (datamodel.Node, error) {
	t := v.Type()
	entries := make([]entry, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" || f.Tag.Get(StructTag) == "-" {
			continue
		}
		n, err := e.encode(v.Field(i), false)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{f.Name, n})
	}
	return buildMap(entries)
}

type entry struct {
	k string
	v datamodel.Node
}

func buildMap(entries []entry) (datamodel.Node, error) {
	nb := basicnode.Prototype.Map.NewBuilder()
	ma, err := nb.BeginMap(int64(len(entries)))
	if err != nil {
		return nil, mbapi.ErrorInternal("building map", err)
	}
	for _, ent := range entries {
		if err := ma.AssembleKey().AssignString(ent.k); err != nil {
			return nil, mbapi.ErrorInternal("building map", err)
		}
		if err := ma.AssembleValue().AssignNode(ent.v); err != nil {
			return nil, mbapi.ErrorInternal("building map", err)
		}
	}
	if err := ma.Finish(); err != nil {
		return nil, mbapi.ErrorInternal("building map", err)
	}
	return nb.Build(), nil
}

func escapeKey(k string) string {
	if strings.HasPrefix(k, "@") {
		return "@" + k
	}
	return k
}

package resource

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"unicode"
	"unicode/utf8"

	"github.com/warptools/metabase/mbapi"
)

// GetAttr reads the attribute name from any value:
// objects and items through their bindings, maps by key, structs by field.
//
// Errors:
//
//    - metabase-error-no-such-attr -- if v provides no such attribute
func GetAttr(ctx context.Context, v interface{}, name string) (interface{}, error) {
	if h, ok := v.(Holder); ok {
		return h.Attr(ctx, name)
	}
	if r, ok := fieldOf(v, name); ok {
		return r, nil
	}
	return nil, mbapi.ErrorNoSuchAttr(fmt.Sprintf("%T", v), name)
}

// fieldOf looks name up as a map key or an exported struct field.
// A lower-case name matches the field with its first letter upper-cased.
func fieldOf(v interface{}, name string) (interface{}, bool) {
	if v == nil || name == "" {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		e := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !e.IsValid() {
			return nil, false
		}
		return e.Interface(), true
	case reflect.Struct:
		f, ok := rv.Type().FieldByName(exported(name))
		if !ok || f.PkgPath != "" {
			return nil, false
		}
		return rv.FieldByIndex(f.Index).Interface(), true
	}
	return nil, false
}

func exported(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(r)) + name[size:]
}

// KeyOf turns a lookup key into the string form mappings are keyed by.
// Items are keyed by their key within their container, objects by their ResourceID.
//
// Errors:
//
//    - metabase-error-invalid -- if v cannot serve as a key
func KeyOf(v interface{}) (string, error) {
	switch k := v.(type) {
	case string:
		return k, nil
	case *Item:
		return k.Key, nil
	case *Object:
		if id := k.ID(); id != "" {
			return string(id), nil
		}
		return "", mbapi.ErrorNotRegistered("use an object as a mapping key")
	case mbapi.ResourceID:
		return string(k), nil
	case int:
		return strconv.Itoa(k), nil
	case int64:
		return strconv.FormatInt(k, 10), nil
	case fmt.Stringer:
		return k.String(), nil
	}
	return "", mbapi.ErrorInvalid(fmt.Sprintf("a value of type %T cannot be used as a mapping key", v))
}

// AsMapping extracts the Mapping behind a resolved relation target.
//
// Errors:
//
//    - metabase-error-schema-violation -- if v is not a mapping
func AsMapping(v interface{}) (Mapping, error) {
	if o, ok := v.(*Object); ok {
		v = o.Value
	}
	m, ok := v.(Mapping)
	if !ok {
		return nil, mbapi.ErrorSchemaViolation(fmt.Sprintf("relation target of type %T is not a mapping", v))
	}
	return m, nil
}

// Invert returns the inverse of a relation target.
//
// Errors:
//
//    - metabase-error-schema-violation -- if v has no inverse
func Invert(ctx context.Context, v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case *Object:
		return t.Invert(ctx)
	case Invertible:
		return t.Inverse(), nil
	}
	return nil, mbapi.ErrorSchemaViolation(fmt.Sprintf("relation target of type %T cannot be inverted", v))
}

// Edges returns the edge view of a relation target.
//
// Errors:
//
//    - metabase-error-schema-violation -- if v has no edge view
func Edges(v interface{}) (Mapping, error) {
	if o, ok := v.(*Object); ok {
		v = o.Value
	}
	ev, ok := v.(EdgeViewer)
	if !ok {
		return nil, mbapi.ErrorSchemaViolation(fmt.Sprintf("relation target of type %T has no edge view", v))
	}
	return ev.Edges(), nil
}

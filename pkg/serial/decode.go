package serial

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/resource"
)

// Resolver turns reference tokens back into live objects.
// A catalog is a Resolver; decoding and resolution are mutually recursive.
type Resolver interface {
	Resolve(ctx context.Context, id mbapi.ResourceID) (*resource.Object, error)
}

// DecodeOptions tune one decode.
type DecodeOptions struct {
	// Registry defaults to DefaultRegistry.
	Registry *Registry
}

type decoder struct {
	ctx context.Context
	r   Resolver
	reg *Registry
}

// Decode reconstructs an object from data written by Encode.
// Reference tokens are resolved through r.
//
// Errors:
//
//    - metabase-error-corrupt-data -- if data is not a valid encoding, or holds an unrecognized token
//    - metabase-error-not-found -- if a referenced resource cannot be resolved
//    - metabase-error-cycle-detected -- if resolving a reference leads back to itself
func Decode(ctx context.Context, data []byte, r Resolver, opts DecodeOptions) (*resource.Object, error) {
	n, err := DecodeRaw(data)
	if err != nil {
		return nil, err
	}
	return DecodeNode(ctx, n, r, opts)
}

// DecodeRaw parses data into a data model node, without interpreting any tokens.
//
// Errors:
//
//    - metabase-error-corrupt-data -- if data is not valid dag-cbor
func DecodeRaw(data []byte) (datamodel.Node, error) {
	n, err := ipld.Decode(data, dagcbor.Decode)
	if err != nil {
		return nil, mbapi.ErrorCorruptData("payload is not valid dag-cbor", err)
	}
	return n, nil
}

// DecodeNode is Decode after the codec step.
//
// Errors:
//
//    - metabase-error-corrupt-data -- if n holds an unrecognized token
//    - metabase-error-not-found -- if a referenced resource cannot be resolved
//    - metabase-error-cycle-detected -- if resolving a reference leads back to itself
func DecodeNode(ctx context.Context, n datamodel.Node, r Resolver, opts DecodeOptions) (*resource.Object, error) {
	d := &decoder{ctx: ctx, r: r, reg: opts.Registry}
	if d.reg == nil {
		d.reg = DefaultRegistry
	}
	body, ok, err := singleEntry(n, keyObject)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, mbapi.ErrorCorruptData("root is not a full object", nil)
	}
	return d.decodeObjectBody(body)
}

// singleEntry returns the value of n if n is a map holding exactly key.
func singleEntry(n datamodel.Node, key string) (datamodel.Node, bool, error) {
	if n.Kind() != datamodel.Kind_Map || n.Length() != 1 {
		return nil, false, nil
	}
	v, err := n.LookupByString(key)
	if err != nil {
		return nil, false, nil
	}
	return v, true, nil
}

func (d *decoder) decodeObject(n datamodel.Node) (*resource.Object, error) {
	if n.IsNull() {
		return nil, nil
	}
	if ref, ok, _ := singleEntry(n, keyRef); ok {
		return d.resolveRef(ref)
	}
	if body, ok, _ := singleEntry(n, keyObject); ok {
		return d.decodeObjectBody(body)
	}
	return nil, mbapi.ErrorCorruptData("expected an object or a reference token", nil)
}

func (d *decoder) resolveRef(n datamodel.Node) (*resource.Object, error) {
	s, err := n.AsString()
	if err != nil {
		return nil, mbapi.ErrorCorruptData("reference token is not a string", err)
	}
	if !strings.HasPrefix(s, RefPrefix) {
		return nil, mbapi.ErrorCorruptData(fmt.Sprintf("unrecognized reference token %q", s), nil)
	}
	id := mbapi.ResourceID(strings.TrimPrefix(s, RefPrefix))
	if err := id.Validate(); err != nil {
		return nil, mbapi.ErrorCorruptData(fmt.Sprintf("reference token %q holds an invalid ID", s), err)
	}
	if d.r == nil {
		return nil, mbapi.ErrorCorruptData(fmt.Sprintf("reference to %q found, but nothing can resolve it", id), nil)
	}
	return d.r.Resolve(d.ctx, id)
}

func (d *decoder) decodeObjectBody(n datamodel.Node) (*resource.Object, error) {
	if n.Kind() != datamodel.Kind_Map {
		return nil, mbapi.ErrorCorruptData("object body is not a map", nil)
	}
	o := &resource.Object{}
	docNode, err := n.LookupByString("doc")
	if err != nil {
		return nil, mbapi.ErrorCorruptData("object body has no doc", err)
	}
	if o.Doc, err = docNode.AsString(); err != nil {
		return nil, mbapi.ErrorCorruptData("object doc is not a string", err)
	}
	valueNode, err := n.LookupByString("value")
	if err != nil {
		return nil, mbapi.ErrorCorruptData("object body has no value", err)
	}
	v, err := d.decodeDynamic(valueNode)
	if err != nil {
		return nil, err
	}
	if v.IsValid() {
		o.Value = v.Interface()
	}
	return o, nil
}

// decodeDynamic decodes a value that was written into an interface-typed slot.
// The zero reflect.Value stands for nil.
func (d *decoder) decodeDynamic(n datamodel.Node) (reflect.Value, error) {
	switch n.Kind() {
	case datamodel.Kind_Null:
		return reflect.Value{}, nil
	case datamodel.Kind_Bool:
		b, _ := n.AsBool()
		return reflect.ValueOf(b), nil
	case datamodel.Kind_Int:
		i, _ := n.AsInt()
		return reflect.ValueOf(i), nil
	case datamodel.Kind_Float:
		f, _ := n.AsFloat()
		return reflect.ValueOf(f), nil
	case datamodel.Kind_String:
		s, _ := n.AsString()
		return reflect.ValueOf(s), nil
	case datamodel.Kind_Bytes:
		b, _ := n.AsBytes()
		return reflect.ValueOf(b), nil
	case datamodel.Kind_List:
		s := make([]interface{}, n.Length())
		itr := n.ListIterator()
		for !itr.Done() {
			idx, vn, err := itr.Next()
			if err != nil {
				return reflect.Value{}, mbapi.ErrorCorruptData("reading list", err)
			}
			v, err := d.decodeDynamic(vn)
			if err != nil {
				return reflect.Value{}, err
			}
			if v.IsValid() {
				s[idx] = v.Interface()
			}
		}
		return reflect.ValueOf(s), nil
	case datamodel.Kind_Map:
		return d.decodeDynamicMap(n)
	}
	return reflect.Value{}, mbapi.ErrorCorruptData(fmt.Sprintf("unexpected %s in payload", n.Kind()), nil)
}

func (d *decoder) decodeDynamicMap(n datamodel.Node) (reflect.Value, error) {
	if _, ok, _ := singleEntry(n, keyRef); ok {
		o, err := d.decodeObject(n)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(o), nil
	}
	if _, ok, _ := singleEntry(n, keyObject); ok {
		o, err := d.decodeObject(n)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(o), nil
	}
	if n.Length() == 2 {
		tn, err1 := n.LookupByString(keyType)
		vn, err2 := n.LookupByString(keyValue)
		if err1 == nil && err2 == nil {
			return d.decodeTyped(tn, vn)
		}
	}
	m := make(map[string]interface{}, n.Length())
	itr := n.MapIterator()
	for !itr.Done() {
		kn, vn, err := itr.Next()
		if err != nil {
			return reflect.Value{}, mbapi.ErrorCorruptData("reading map", err)
		}
		k, err := decodeKey(kn)
		if err != nil {
			return reflect.Value{}, err
		}
		v, err := d.decodeDynamic(vn)
		if err != nil {
			return reflect.Value{}, err
		}
		if v.IsValid() {
			m[k] = v.Interface()
		} else {
			m[k] = nil
		}
	}
	return reflect.ValueOf(m), nil
}

func (d *decoder) decodeTyped(tn, vn datamodel.Node) (reflect.Value, error) {
	name, err := tn.AsString()
	if err != nil {
		return reflect.Value{}, mbapi.ErrorCorruptData("type token is not a string", err)
	}
	t, ok := d.reg.TypeOf(name)
	if !ok {
		return reflect.Value{}, mbapi.ErrorCorruptData(fmt.Sprintf("unknown type %q", name), nil)
	}
	v := reflect.New(t).Elem()
	if err := d.decodeInto(vn, v); err != nil {
		return reflect.Value{}, err
	}
	return v, nil
}

func decodeKey(kn datamodel.Node) (string, error) {
	k, err := kn.AsString()
	if err != nil {
		return "", mbapi.ErrorCorruptData("map key is not a string", err)
	}
	if strings.HasPrefix(k, "@@") {
		return k[1:], nil
	}
	if strings.HasPrefix(k, "@") {
		return "", mbapi.ErrorCorruptData(fmt.Sprintf("unrecognized token %q", k), nil)
	}
	return k, nil
}

// decodeInto decodes n into the settable value target, following target's static type.
func (d *decoder) decodeInto(n datamodel.Node, target reflect.Value) error {
	t := target.Type()
	if t == objectType {
		o, err := d.decodeObject(n)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(o))
		return nil
	}
	if t.Kind() == reflect.Interface {
		v, err := d.decodeDynamic(n)
		if err != nil {
			return err
		}
		if !v.IsValid() {
			target.Set(reflect.Zero(t))
			return nil
		}
		if !v.Type().AssignableTo(t) {
			return mbapi.ErrorCorruptData(fmt.Sprintf("a %s cannot be stored in a slot of type %s", v.Type(), t), nil)
		}
		target.Set(v)
		return nil
	}
	if n.IsNull() {
		target.Set(reflect.Zero(t))
		return nil
	}
	mismatch := func(err error) error {
		return mbapi.ErrorCorruptData(fmt.Sprintf("cannot decode %s into %s", n.Kind(), t), err)
	}
	switch t.Kind() {
	case reflect.Bool:
		b, err := n.AsBool()
		if err != nil {
			return mismatch(err)
		}
		target.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := n.AsInt()
		if err != nil {
			return mismatch(err)
		}
		if target.OverflowInt(i) {
			return mismatch(fmt.Errorf("%d overflows", i))
		}
		target.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		i, err := n.AsInt()
		if err != nil {
			return mismatch(err)
		}
		if i < 0 || target.OverflowUint(uint64(i)) {
			return mismatch(fmt.Errorf("%d overflows", i))
		}
		target.SetUint(uint64(i))
	case reflect.Float32, reflect.Float64:
		f, err := n.AsFloat()
		if err != nil {
			return mismatch(err)
		}
		target.SetFloat(f)
	case reflect.String:
		s, err := n.AsString()
		if err != nil {
			return mismatch(err)
		}
		target.SetString(s)
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := n.AsBytes()
			if err != nil {
				return mismatch(err)
			}
			target.Set(reflect.ValueOf(b).Convert(t))
			return nil
		}
		if n.Kind() != datamodel.Kind_List {
			return mismatch(nil)
		}
		s := reflect.MakeSlice(t, int(n.Length()), int(n.Length()))
		if err := d.decodeList(n, s); err != nil {
			return err
		}
		target.Set(s)
	case reflect.Array:
		if n.Kind() != datamodel.Kind_List || int(n.Length()) != t.Len() {
			return mismatch(nil)
		}
		return d.decodeList(n, target)
	case reflect.Map:
		if n.Kind() != datamodel.Kind_Map || t.Key().Kind() != reflect.String {
			return mismatch(nil)
		}
		m := reflect.MakeMapWithSize(t, int(n.Length()))
		itr := n.MapIterator()
		for !itr.Done() {
			kn, vn, err := itr.Next()
			if err != nil {
				return mismatch(err)
			}
			k, err := decodeKey(kn)
			if err != nil {
				return err
			}
			ev := reflect.New(t.Elem()).Elem()
			if err := d.decodeInto(vn, ev); err != nil {
				return err
			}
			m.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), ev)
		}
		target.Set(m)
	case reflect.Struct:
		if n.Kind() != datamodel.Kind_Map {
			return mismatch(nil)
		}
		itr := n.MapIterator()
		for !itr.Done() {
			kn, vn, err := itr.Next()
			if err != nil {
				return mismatch(err)
			}
			name, _ := kn.AsString()
			f, ok := t.FieldByName(name)
			if !ok || f.PkgPath != "" || f.Tag.Get(StructTag) == "-" {
				// fields dropped from the type since the data was written
				continue
			}
			if err := d.decodeInto(vn, target.FieldByIndex(f.Index)); err != nil {
				return err
			}
		}
	case reflect.Ptr:
		p := reflect.New(t.Elem())
		if err := d.decodeInto(n, p.Elem()); err != nil {
			return err
		}
		target.Set(p)
	default:
		return mismatch(nil)
	}
	return nil
}

func (d *decoder) decodeList(n datamodel.Node, into reflect.Value) error {
	itr := n.ListIterator()
	for !itr.Done() {
		idx, vn, err := itr.Next()
		if err != nil {
			return mbapi.ErrorCorruptData("reading list", err)
		}
		if err := d.decodeInto(vn, into.Index(int(idx))); err != nil {
			return err
		}
	}
	return nil
}

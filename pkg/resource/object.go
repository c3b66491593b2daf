package resource

import (
	"context"
	"fmt"
	"sync"

	"github.com/warptools/metabase/mbapi"
)

// Object is a catalog resource: a described value which, once registered, carries a ResourceID.
//
// Attributes declared by the catalog schema are not part of Value.
// They live in per-instance resolver tables filled in at bind time,
// so binding never leaks between two objects holding the same Go type.
type Object struct {
	Doc   string
	Value interface{}

	mu     sync.Mutex
	id     mbapi.ResourceID
	attrs  map[string]interface{}
	direct table
	item   table
	items  map[string]*Item
}

// New returns an unregistered object.
func New(doc string, value interface{}) *Object {
	return &Object{Doc: doc, Value: value}
}

// ID returns the object's ResourceID, or empty if it was never registered.
func (o *Object) ID() mbapi.ResourceID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.id
}

// AssignID registers the object under id.
// Assigning the ID it already has is a no-op.
//
// Errors:
//
//    - metabase-error-id-mismatch -- if the object already has a different ID
func (o *Object) AssignID(id mbapi.ResourceID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.id != "" && o.id != id {
		return mbapi.ErrorIDMismatch(o.id, id)
	}
	o.id = id
	return nil
}

func (o *Object) String() string {
	id := o.ID()
	if id == "" {
		return fmt.Sprintf("<unregistered %T>", o.Value)
	}
	return fmt.Sprintf("<%s %T>", id, o.Value)
}

func (o *Object) describe() string {
	return o.String()
}

// BindAttr installs r as the resolver of the attribute name.
// Rebinding the same resolver is a no-op.
//
// Errors:
//
//    - metabase-error-binding-conflict -- if name is already bound to a different resolver
func (o *Object) BindAttr(name string, r Resolver) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.direct.bind(name, r)
}

// BindItemAttr installs r as the resolver of the attribute name on every item of this object.
//
// Errors:
//
//    - metabase-error-binding-conflict -- if name is already bound to a different resolver
func (o *Object) BindItemAttr(name string, r Resolver) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.item.bind(name, r)
}

// Bound lists the names of the attributes bound on the object itself.
func (o *Object) Bound() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.direct.names()
}

// BoundItemAttrs lists the names of the attributes bound on items of the object.
func (o *Object) BoundItemAttrs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.item.names()
}

// Unbind drops every resolver and every cached attribute.
func (o *Object) Unbind() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.direct = table{}
	o.item = table{}
	o.attrs = nil
	for _, it := range o.items {
		it.forget()
	}
}

func (o *Object) itemResolver(name string) Resolver {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.item.lookup(name)
}

// Attr returns the attribute name.
// Cached values win, then bound resolvers, then fields of Value.
// A resolved value is cached on the object unless its resolver declines.
//
// Errors:
//
//    - metabase-error-no-such-attr -- if nothing provides the attribute
//    - metabase-error-not-found -- if a bound relation's target is missing
func (o *Object) Attr(ctx context.Context, name string) (interface{}, error) {
	o.mu.Lock()
	if v, ok := o.attrs[name]; ok {
		o.mu.Unlock()
		return v, nil
	}
	r := o.direct.lookup(name)
	o.mu.Unlock()

	if r == nil {
		if v, ok := fieldOf(o.Value, name); ok {
			return v, nil
		}
		return nil, mbapi.ErrorNoSuchAttr(o.describe(), name)
	}
	v, cache, err := r.Resolve(ctx, o)
	if err != nil {
		return nil, err
	}
	if cache {
		o.cacheAttr(name, v)
	}
	return v, nil
}

// SetAttr assigns through the attribute's resolver.
//
// Errors:
//
//    - metabase-error-schema-violation -- if the attribute is unbound or its relation is not assignable
func (o *Object) SetAttr(ctx context.Context, name string, v interface{}) error {
	o.mu.Lock()
	r := o.direct.lookup(name)
	o.mu.Unlock()
	if r == nil {
		return mbapi.ErrorSchemaViolation(fmt.Sprintf("attribute %q of %s is not bound to a relation", name, o.describe()))
	}
	if err := r.Assign(ctx, o, v); err != nil {
		return err
	}
	o.cacheAttr(name, v)
	return nil
}

func (o *Object) cacheAttr(name string, v interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attrs == nil {
		o.attrs = make(map[string]interface{})
	}
	o.attrs[name] = v
}

// Cached reports whether a value for name is cached on the object.
func (o *Object) Cached(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.attrs[name]
	return ok
}

// Item returns the element of a container resource under key.
// The same *Item is returned for the same key, so attributes cached on it persist.
//
// Errors:
//
//    - metabase-error-invalid -- if Value is not a Container
//    - metabase-error-not-found -- if the container has no such key
func (o *Object) Item(ctx context.Context, key string) (*Item, error) {
	c, ok := o.Value.(Container)
	if !ok {
		return nil, mbapi.ErrorInvalid(fmt.Sprintf("%s is not a container", o.describe()))
	}
	o.mu.Lock()
	if it, ok := o.items[key]; ok {
		o.mu.Unlock()
		return it, nil
	}
	o.mu.Unlock()

	v, ok := c.Get(key)
	if !ok {
		return nil, mbapi.ErrorNotFound(o.ID().Child(key), o.describe())
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if it, ok := o.items[key]; ok {
		return it, nil
	}
	it := &Item{Key: key, Value: v, container: o}
	if o.items == nil {
		o.items = make(map[string]*Item)
	}
	o.items[key] = it
	return it, nil
}

// Items returns every item of a container resource in key order.
//
// Errors:
//
//    - metabase-error-invalid -- if Value is not a Container
func (o *Object) Items(ctx context.Context) ([]*Item, error) {
	c, ok := o.Value.(Container)
	if !ok {
		return nil, mbapi.ErrorInvalid(fmt.Sprintf("%s is not a container", o.describe()))
	}
	keys := c.Keys()
	result := make([]*Item, 0, len(keys))
	for _, k := range keys {
		it, err := o.Item(ctx, k)
		if err != nil {
			return nil, err
		}
		result = append(result, it)
	}
	return result, nil
}

// Invert returns the inverse of the object.
// An `inverseDB` attribute, as bound by an inverse relation, takes precedence
// over an Invertible value.
//
// Errors:
//
//    - metabase-error-no-such-attr -- if the object has no inverse
func (o *Object) Invert(ctx context.Context) (interface{}, error) {
	o.mu.Lock()
	_, cached := o.attrs[InverseAttr]
	bound := o.direct.lookup(InverseAttr) != nil
	o.mu.Unlock()
	if cached || bound {
		return o.Attr(ctx, InverseAttr)
	}
	if inv, ok := o.Value.(Invertible); ok {
		return inv.Inverse(), nil
	}
	return nil, mbapi.ErrorNoSuchAttr(o.describe(), InverseAttr)
}

// InverseAttr is the attribute an inverse relation binds on both of its ends.
const InverseAttr = "inverseDB"

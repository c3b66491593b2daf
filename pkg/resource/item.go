package resource

import (
	"context"
	"fmt"
	"sync"

	"github.com/warptools/metabase/mbapi"
)

// Item is one element of a container resource.
// Item attributes are resolved through the item resolvers of its container.
type Item struct {
	Key   string
	Value interface{}

	container *Object
	mu        sync.Mutex
	attrs     map[string]interface{}
}

// Container returns the resource the item was taken from.
func (it *Item) Container() *Object {
	return it.container
}

func (it *Item) String() string {
	return fmt.Sprintf("<item %q of %s>", it.Key, it.container)
}

// Attr returns the attribute name, resolving it through the container's item bindings
// and falling back to fields of Value.
//
// Errors:
//
//    - metabase-error-no-such-attr -- if nothing provides the attribute
//    - metabase-error-not-found -- if a bound relation's target is missing
func (it *Item) Attr(ctx context.Context, name string) (interface{}, error) {
	it.mu.Lock()
	if v, ok := it.attrs[name]; ok {
		it.mu.Unlock()
		return v, nil
	}
	it.mu.Unlock()

	r := it.container.itemResolver(name)
	if r == nil {
		if v, ok := fieldOf(it.Value, name); ok {
			return v, nil
		}
		return nil, mbapi.ErrorNoSuchAttr(it.String(), name)
	}
	v, cache, err := r.Resolve(ctx, it)
	if err != nil {
		return nil, err
	}
	if cache {
		it.cacheAttr(name, v)
	}
	return v, nil
}

// SetAttr assigns through the attribute's item resolver.
//
// Errors:
//
//    - metabase-error-schema-violation -- if the attribute is unbound or its relation is not assignable
func (it *Item) SetAttr(ctx context.Context, name string, v interface{}) error {
	r := it.container.itemResolver(name)
	if r == nil {
		return mbapi.ErrorSchemaViolation(fmt.Sprintf("attribute %q of %s is not bound to a relation", name, it))
	}
	if err := r.Assign(ctx, it, v); err != nil {
		return err
	}
	it.cacheAttr(name, v)
	return nil
}

func (it *Item) cacheAttr(name string, v interface{}) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.attrs == nil {
		it.attrs = make(map[string]interface{})
	}
	it.attrs[name] = v
}

// Cached reports whether a value for name is cached on the item.
func (it *Item) Cached(name string) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	_, ok := it.attrs[name]
	return ok
}

func (it *Item) forget() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.attrs = nil
}

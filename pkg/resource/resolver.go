package resource

import (
	"context"
	"sort"

	"github.com/warptools/metabase/mbapi"
)

// Holder is anything attributes can be read from: an *Object or an *Item.
type Holder interface {
	Attr(ctx context.Context, name string) (interface{}, error)
	SetAttr(ctx context.Context, name string, v interface{}) error
}

// Resolver computes one lazily bound attribute.
type Resolver interface {
	// Resolve computes the attribute for h.
	// cache reports whether the result may be stored on h.
	Resolve(ctx context.Context, h Holder) (v interface{}, cache bool, err error)

	// Assign writes v through the relation behind the attribute.
	Assign(ctx context.Context, h Holder, v interface{}) error

	// Same reports whether other resolves the same relation in the same way.
	Same(other Resolver) bool
}

type table struct {
	m map[string]Resolver
}

func (t *table) bind(name string, r Resolver) error {
	if existing, ok := t.m[name]; ok {
		if existing.Same(r) {
			return nil
		}
		return mbapi.ErrorBindingConflict(name)
	}
	if t.m == nil {
		t.m = make(map[string]Resolver)
	}
	t.m[name] = r
	return nil
}

func (t *table) lookup(name string) Resolver {
	return t.m[name]
}

func (t *table) names() []string {
	result := make([]string, 0, len(t.m))
	for k := range t.m {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

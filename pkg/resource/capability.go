package resource

import (
	"context"

	"github.com/warptools/metabase/mbapi"
)

// Container is a resource value made of keyed items.
type Container interface {
	Get(key string) (interface{}, bool)
	Keys() []string
}

// Mapping is a resource value that maps keys to values, such as a graph or a dictionary.
type Mapping interface {
	Lookup(ctx context.Context, key string) (interface{}, error)
}

// Invertible mappings can be traversed backwards.
type Invertible interface {
	Inverse() Mapping
}

// EdgeViewer mappings expose the edge information of their entries.
type EdgeViewer interface {
	Edges() Mapping
}

// Assignable mappings accept writes.
type Assignable interface {
	Assign(ctx context.Context, key string, v interface{}) error
}

// InverseSchemaProvider lets a mapping choose how its inverse is bound,
// in place of the default plain inversion.
type InverseSchemaProvider interface {
	InverseSchema() mbapi.BindingOptions
}

// ShadowIgnorer lets a value refuse a schema binding for an attribute it provides itself.
type ShadowIgnorer interface {
	IgnoreShadowAttr(name string) bool
}

// LocalBuilder is implemented by values which can materialize a local copy of themselves.
// When resolution asks for a download, the local copy replaces the value
// and is saved to the catalog's writer.
type LocalBuilder interface {
	BuildLocal(ctx context.Context) (interface{}, error)
}

// LocalDependency marks values which depend on state local to this process or host,
// such as open files or server handles. Such values cannot be serialized.
type LocalDependency interface {
	LocalDependency() string
}

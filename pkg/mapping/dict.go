package mapping

import (
	"context"
	"sync"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/resource"
)

// Dict is a one-to-one mapping between keys of two collections.
type Dict struct {
	Pairs map[string]string

	mu sync.Mutex
}

func NewDict() *Dict {
	return &Dict{Pairs: make(map[string]string)}
}

// Lookup returns the key mapped from key.
//
// Errors:
//
//    - metabase-error-not-found -- if key is unmapped
func (d *Dict) Lookup(ctx context.Context, key string) (interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.Pairs[key]
	if !ok {
		return nil, mbapi.ErrorNotFound(mbapi.ResourceID(key), "dict")
	}
	return v, nil
}

// Assign maps key to v, which is turned into a key itself.
//
// Errors:
//
//    - metabase-error-invalid -- if v cannot be used as a key
func (d *Dict) Assign(ctx context.Context, key string, v interface{}) error {
	k, err := resource.KeyOf(v)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Pairs == nil {
		d.Pairs = make(map[string]string)
	}
	d.Pairs[key] = k
	return nil
}

// Inverse returns a view of the dict with keys and values swapped.
// Assignments through the view update the dict.
func (d *Dict) Inverse() resource.Mapping {
	return inverseDict{d}
}

type inverseDict struct {
	d *Dict
}

func (v inverseDict) Lookup(ctx context.Context, key string) (interface{}, error) {
	v.d.mu.Lock()
	defer v.d.mu.Unlock()
	for k, val := range v.d.Pairs {
		if val == key {
			return k, nil
		}
	}
	return nil, mbapi.ErrorNotFound(mbapi.ResourceID(key), "inverse dict")
}

func (v inverseDict) Assign(ctx context.Context, key string, val interface{}) error {
	source, err := resource.KeyOf(val)
	if err != nil {
		return err
	}
	v.d.mu.Lock()
	defer v.d.mu.Unlock()
	for k, existing := range v.d.Pairs {
		if existing == key {
			delete(v.d.Pairs, k)
		}
	}
	if v.d.Pairs == nil {
		v.d.Pairs = make(map[string]string)
	}
	v.d.Pairs[source] = key
	return nil
}

func (v inverseDict) Inverse() resource.Mapping {
	return v.d
}

// InverseSchema makes the inverse binding of a dict a writable unique mapping.
func (d *Dict) InverseSchema() mbapi.BindingOptions {
	return mbapi.BindingOptions{Invert: true, UniqueMapping: true}
}

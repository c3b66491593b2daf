package metabase

import (
	"context"
	"sort"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/logging"
)

type dirOptions struct {
	layer    string
	filtered bool
	only     *Metabase
	debug    *bool
}

type DirOption func(*dirOptions)

// WithLayer restricts a listing to the layer of the given name.
func WithLayer(name string) DirOption {
	return func(o *dirOptions) {
		o.layer = name
		o.filtered = true
	}
}

// WithDirDebug overrides the catalog's strictness for one listing.
func WithDirDebug(debug bool) DirOption {
	return func(o *dirOptions) { o.debug = &debug }
}

func (l *List) dirLayers(opts []DirOption) ([]*Metabase, bool, error) {
	o := dirOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	debug := l.cfg.Debug
	if o.debug != nil {
		debug = *o.debug
	}
	if o.only != nil {
		return []*Metabase{o.only}, debug, nil
	}
	if !o.filtered {
		return l.Layers(), debug, nil
	}
	m, ok := l.Layer(o.layer)
	if !ok {
		return nil, debug, mbapi.ErrorInvalid("no layer named "+o.layer, [2]string{"layer", o.layer})
	}
	return []*Metabase{m}, debug, nil
}

// Dir lists the IDs starting with prefix across all layers, sorted.
// Names not starting with a letter are left out.
//
// Errors:
//
//    - metabase-error-invalid -- if WithLayer names no layer
//    - metabase-error-backend -- in debug mode, if a backend cannot be listed
func (l *List) Dir(ctx context.Context, prefix string, opts ...DirOption) ([]mbapi.ResourceID, error) {
	entries, err := l.dir(ctx, prefix, opts, false)
	if err != nil {
		return nil, err
	}
	result := make([]mbapi.ResourceID, 0, len(entries))
	for id := range entries {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// DirInfo is Dir with the metadata of each entry.
// On a name held by several layers, the earliest layer's metadata wins.
//
// Errors:
//
//    - metabase-error-invalid -- if WithLayer names no layer
//    - metabase-error-backend -- in debug mode, if a backend cannot be listed or described
func (l *List) DirInfo(ctx context.Context, prefix string, opts ...DirOption) (map[mbapi.ResourceID]mbapi.ResourceInfo, error) {
	return l.dir(ctx, prefix, opts, true)
}

func (l *List) dir(ctx context.Context, prefix string, opts []DirOption, describe bool) (map[mbapi.ResourceID]mbapi.ResourceInfo, error) {
	layers, debug, err := l.dirLayers(opts)
	if err != nil {
		return nil, err
	}
	log := logging.Ctx(ctx)
	result := map[mbapi.ResourceID]mbapi.ResourceInfo{}
	for _, m := range layers {
		ids, err := m.backend.List(ctx, prefix)
		if err != nil {
			if debug {
				return nil, err
			}
			log.Warn(LogTag, "%s: listing %q failed: %s", m.backend.Locator(), prefix, mbapi.Describe(err))
			continue
		}
		for _, id := range ids {
			if _, seen := result[id]; seen || !listable(id) {
				continue
			}
			var info mbapi.ResourceInfo
			if describe {
				info, err = m.backend.Describe(ctx, id)
				switch {
				case err == nil:
				case mbapi.IsNotFound(err):
					// payload without metadata
				case debug:
					return nil, err
				default:
					log.Warn(LogTag, "%s: describing %s failed: %s", m.backend.Locator(), id, mbapi.Describe(err))
				}
			}
			result[id] = info
		}
	}
	return result, nil
}

// RootNames lists the first segments of every stored ID, across all layers, sorted.
//
// Errors:
//
//    - metabase-error-backend -- in debug mode, if a backend cannot be read
func (l *List) RootNames(ctx context.Context) ([]string, error) {
	log := logging.Ctx(ctx)
	seen := map[string]bool{}
	var result []string
	for _, m := range l.Layers() {
		names, err := m.backend.RootNames(ctx)
		if err != nil {
			if l.cfg.Debug {
				return nil, err
			}
			log.Warn(LogTag, "%s: reading root names failed: %s", m.backend.Locator(), mbapi.Describe(err))
			continue
		}
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				result = append(result, n)
			}
		}
	}
	sort.Strings(result)
	return result, nil
}

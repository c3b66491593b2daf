package mbapi

import "strings"

// RelationKind names the kind of a stored schema relation.
type RelationKind string

const (
	RelationDirect     RelationKind = "direct"
	RelationItem       RelationKind = "item"
	RelationManyToMany RelationKind = "many:many"
	RelationOneToMany  RelationKind = "one:many"
	RelationOneToOne   RelationKind = "one:one"
	RelationManyToOne  RelationKind = "many:one"
	RelationInverse    RelationKind = "inverse"
)

// SchemaEdgeAttr is the attribute name under which a relation stores itself
// in the schema of the relation's own name.
const SchemaEdgeAttr = "-schemaEdge"

// BindingRef names the schema graph node of the binding attr stored on holder.
// Every stored binding has an edge from its ref to its target, so the bindings
// pointing at a resource are found among its incoming edges.
func BindingRef(holder ResourceID, attr string) ResourceID {
	return ResourceID(ReservedRootGraph).Child(string(holder)).Child(attr)
}

// ParseBindingRef splits a ref made by BindingRef. ok is false for any other ID.
func ParseBindingRef(id ResourceID) (holder ResourceID, attr string, ok bool) {
	rest := strings.TrimPrefix(string(id), ReservedRootGraph+".")
	if rest == string(id) {
		return "", "", false
	}
	name := ResourceID(rest)
	if name.Parent() == "" {
		return "", "", false
	}
	return name.Parent(), name.Last(), true
}

// BindingArgs configures one lazily resolved attribute.
//
// A binding with ItemRule set is not installed on the resource itself,
// but on every item handed out by it.
type BindingArgs struct {
	TargetID      ResourceID
	ItemRule      bool
	Invert        bool
	GetEdges      bool
	MapAttr       *string
	TargetAttr    *string
	UniqueMapping bool
	ReadWrite     bool
}

// BindingOptions are the item binding flags a relation passes along
// to the bindings it creates.
type BindingOptions struct {
	Invert        bool
	GetEdges      bool
	MapAttr       string
	TargetAttr    string
	UniqueMapping bool
	ReadWrite     bool
}

// Args builds the stored form of a binding to the given target.
func (o BindingOptions) Args(target ResourceID, itemRule bool) BindingArgs {
	args := BindingArgs{
		TargetID:      target,
		ItemRule:      itemRule,
		Invert:        o.Invert,
		GetEdges:      o.GetEdges,
		UniqueMapping: o.UniqueMapping,
		ReadWrite:     o.ReadWrite,
	}
	if o.MapAttr != "" {
		s := o.MapAttr
		args.MapAttr = &s
	}
	if o.TargetAttr != "" {
		s := o.TargetAttr
		args.TargetAttr = &s
	}
	return args
}

// Equal compares two BindingArgs by value.
func (a BindingArgs) Equal(b BindingArgs) bool {
	return a.TargetID == b.TargetID &&
		a.ItemRule == b.ItemRule &&
		a.Invert == b.Invert &&
		a.GetEdges == b.GetEdges &&
		strPtrEqual(a.MapAttr, b.MapAttr) &&
		strPtrEqual(a.TargetAttr, b.TargetAttr) &&
		a.UniqueMapping == b.UniqueMapping &&
		a.ReadWrite == b.ReadWrite
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// RelationRecord is the stored form of a schema relation.
// BindAttrs holds the source, target, and edge attribute names (nil where unused).
type RelationRecord struct {
	Kind      RelationKind
	Name      ResourceID
	SourceID  *ResourceID
	TargetID  ResourceID
	EdgeID    *ResourceID
	BindAttrs []*string
}

// SchemaRecord is the schema stored for one ResourceID.
type SchemaRecord struct {
	Bindings struct {
		Keys   []string
		Values map[string]BindingArgs
	}
	SchemaEdge *RelationRecord
}

// Binding returns the binding stored for attr, if any.
func (r *SchemaRecord) Binding(attr string) (BindingArgs, bool) {
	args, ok := r.Bindings.Values[attr]
	return args, ok
}

// SetBinding stores args for attr, replacing any previous binding.
func (r *SchemaRecord) SetBinding(attr string, args BindingArgs) {
	if r.Bindings.Values == nil {
		r.Bindings.Values = make(map[string]BindingArgs)
	}
	if _, exists := r.Bindings.Values[attr]; !exists {
		r.Bindings.Keys = append(r.Bindings.Keys, attr)
	}
	r.Bindings.Values[attr] = args
}

// DeleteBinding removes attr and reports whether it was present.
func (r *SchemaRecord) DeleteBinding(attr string) bool {
	if _, exists := r.Bindings.Values[attr]; !exists {
		return false
	}
	delete(r.Bindings.Values, attr)
	for i, k := range r.Bindings.Keys {
		if k == attr {
			r.Bindings.Keys = append(r.Bindings.Keys[:i], r.Bindings.Keys[i+1:]...)
			break
		}
	}
	return true
}

// Empty reports whether the record holds nothing worth storing.
func (r *SchemaRecord) Empty() bool {
	return len(r.Bindings.Keys) == 0 && r.SchemaEdge == nil
}

// SchemaEdges maps a neighbouring ResourceID to the name of the relation connecting it.
type SchemaEdges struct {
	Keys   []ResourceID
	Values map[ResourceID]ResourceID
}

// Set records an edge to neighbour, labelled with the relation name.
func (e *SchemaEdges) Set(neighbour, relation ResourceID) {
	if e.Values == nil {
		e.Values = make(map[ResourceID]ResourceID)
	}
	if _, exists := e.Values[neighbour]; !exists {
		e.Keys = append(e.Keys, neighbour)
	}
	e.Values[neighbour] = relation
}

// Delete removes the edge to neighbour.
func (e *SchemaEdges) Delete(neighbour ResourceID) bool {
	if _, exists := e.Values[neighbour]; !exists {
		return false
	}
	delete(e.Values, neighbour)
	for i, k := range e.Keys {
		if k == neighbour {
			e.Keys = append(e.Keys[:i], e.Keys[i+1:]...)
			break
		}
	}
	return true
}

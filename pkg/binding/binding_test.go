package binding

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/serum-errors/go-serum"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/mapping"
	"github.com/warptools/metabase/pkg/resource"
)

type fakeCatalog struct {
	targets map[mbapi.ResourceID]*resource.Object
	calls   int
}

func (c *fakeCatalog) SchemaAttr(ctx context.Context, id mbapi.ResourceID, attr string) (*resource.Object, error) {
	c.calls++
	o, ok := c.targets[id.Child(attr)]
	if !ok {
		return nil, mbapi.ErrorNotFound(id.Child(attr), "fake catalog")
	}
	return o, nil
}

func registered(t *testing.T, id mbapi.ResourceID, v interface{}) *resource.Object {
	t.Helper()
	o := resource.New("test resource "+string(id), v)
	qt.Assert(t, o.AssignID(id), qt.IsNil)
	return o
}

func schemaOf(bindings map[string]mbapi.BindingArgs) mbapi.SchemaRecord {
	var rec mbapi.SchemaRecord
	for _, k := range []string{"-schemaEdge", "sourceDB", "links", "backlinks", "ends", "partner", "name"} {
		if args, ok := bindings[k]; ok {
			rec.SetBinding(k, args)
		}
	}
	return rec
}

func TestDirectAttrResolvesOnceAndCaches(t *testing.T) {
	ctx := context.Background()
	target := registered(t, "Test.Y", mapping.NewCollection())
	cat := &fakeCatalog{targets: map[mbapi.ResourceID]*resource.Object{"Test.graph.sourceDB": target}}
	g := registered(t, "Test.graph", mapping.NewGraph())

	rec := schemaOf(map[string]mbapi.BindingArgs{
		"-schemaEdge": {TargetID: "ignored"},
		"sourceDB":    {TargetID: "Test.Y"},
	})
	qt.Assert(t, BindSchema(cat, g, rec), qt.IsNil)
	qt.Assert(t, BindSchema(cat, g, rec), qt.IsNil)
	qt.Assert(t, g.Bound(), qt.DeepEquals, []string{"sourceDB"})

	v, err := g.Attr(ctx, "sourceDB")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.Equals, target)
	_, err = g.Attr(ctx, "sourceDB")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, cat.calls, qt.Equals, 1)

	err = g.SetAttr(ctx, "sourceDB", target)
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeSchemaViolation)
}

func TestConflictingBinding(t *testing.T) {
	cat := &fakeCatalog{}
	o := registered(t, "Test.A", nil)
	qt.Assert(t, BindAttr(cat, o, "link", mbapi.BindingArgs{TargetID: "Test.B"}), qt.IsNil)
	err := BindAttr(cat, o, "link", mbapi.BindingArgs{TargetID: "Test.C"})
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeBindingConflict)

	// another object of the same type is unaffected
	other := registered(t, "Test.Z", nil)
	qt.Assert(t, other.Bound(), qt.HasLen, 0)
}

func TestUnregisteredObjectCannotResolve(t *testing.T) {
	cat := &fakeCatalog{}
	o := resource.New("pending", nil)
	qt.Assert(t, BindAttr(cat, o, "link", mbapi.BindingArgs{TargetID: "Test.B"}), qt.IsNil)
	_, err := o.Attr(context.Background(), "link")
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNotRegistered)
}

type shy struct{}

func (shy) IgnoreShadowAttr(name string) bool { return name == "links" }

func TestShadowIgnorer(t *testing.T) {
	o := registered(t, "Test.A", shy{})
	rec := schemaOf(map[string]mbapi.BindingArgs{
		"links":     {TargetID: "Test.g", ItemRule: true},
		"backlinks": {TargetID: "Test.g", ItemRule: true},
	})
	qt.Assert(t, BindSchema(&fakeCatalog{}, o, rec), qt.IsNil)
	qt.Assert(t, o.BoundItemAttrs(), qt.DeepEquals, []string{"backlinks"})
}

// graphFixture is X --graph--> Y with edge info in E,
// bound as links on X items, backlinks on Y items and ends on E items.
func graphFixture(t *testing.T) (cat *fakeCatalog, x, y, e *resource.Object) {
	xs := mapping.NewCollection()
	xs.Put("x1", map[string]interface{}{"name": "first"})
	xs.Put("x2", map[string]interface{}{"name": "second"})
	ys := mapping.NewCollection()
	ys.Put("y1", "why one")
	ys.Put("y2", "why two")
	es := mapping.NewCollection()
	es.Put("e1", "edge one")

	g := mapping.NewGraph()
	g.Add("x1", "y1", "e1")
	g.Add("x1", "y2", "")
	g.AddNode("x2")

	x = registered(t, "Test.X", xs)
	y = registered(t, "Test.Y", ys)
	e = registered(t, "Test.E", es)
	graph := registered(t, "Test.graph", g)
	cat = &fakeCatalog{targets: map[mbapi.ResourceID]*resource.Object{
		"Test.X.links":     graph,
		"Test.Y.backlinks": graph,
		"Test.E.ends":      graph,
	}}
	qt.Assert(t, BindSchema(cat, x, schemaOf(map[string]mbapi.BindingArgs{"links": {TargetID: "Test.graph", ItemRule: true}})), qt.IsNil)
	qt.Assert(t, BindSchema(cat, y, schemaOf(map[string]mbapi.BindingArgs{"backlinks": {TargetID: "Test.graph", ItemRule: true, Invert: true}})), qt.IsNil)
	qt.Assert(t, BindSchema(cat, e, schemaOf(map[string]mbapi.BindingArgs{"ends": {TargetID: "Test.graph", ItemRule: true, GetEdges: true}})), qt.IsNil)
	return cat, x, y, e
}

func TestItemAttrsOverGraph(t *testing.T) {
	ctx := context.Background()
	cat, x, y, e := graphFixture(t)

	x1, err := x.Item(ctx, "x1")
	qt.Assert(t, err, qt.IsNil)
	links, err := x1.Attr(ctx, "links")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, links.(*mapping.Row).Keys(), qt.DeepEquals, []string{"y1", "y2"})
	qt.Assert(t, x1.Cached("links"), qt.IsTrue)

	// ~x1.links leads back into X
	inv, err := resource.Invert(ctx, links)
	qt.Assert(t, err, qt.IsNil)
	back, err := inv.(resource.Mapping).Lookup(ctx, "y2")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, back.(*mapping.Row).Keys(), qt.DeepEquals, []string{"x1"})

	y1, err := y.Item(ctx, "y1")
	qt.Assert(t, err, qt.IsNil)
	sources, err := y1.Attr(ctx, "backlinks")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, sources.(*mapping.Row).Keys(), qt.DeepEquals, []string{"x1"})

	e1, err := e.Item(ctx, "e1")
	qt.Assert(t, err, qt.IsNil)
	ends, err := e1.Attr(ctx, "ends")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, ends, qt.Equals, mapping.EdgeEnds{Source: "x1", Target: "y1"})

	calls := cat.calls
	_, err = x1.Attr(ctx, "links")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, cat.calls, qt.Equals, calls)
}

func TestItemAttrMapAttr(t *testing.T) {
	ctx := context.Background()
	people := mapping.NewCollection()
	people.Put("p1", map[string]interface{}{"home": "c1"})
	people.Put("p2", map[string]interface{}{"home": nil})
	cities := mapping.NewDict()
	cities.Pairs["c1"] = "Paris"

	p := registered(t, "Test.people", people)
	names := registered(t, "Test.cityNames", cities)
	cat := &fakeCatalog{targets: map[mbapi.ResourceID]*resource.Object{"Test.people.name": names}}
	mapAttr := "home"
	qt.Assert(t, BindSchema(cat, p, schemaOf(map[string]mbapi.BindingArgs{
		"name": {TargetID: "Test.cityNames", ItemRule: true, MapAttr: &mapAttr},
	})), qt.IsNil)

	p1, _ := p.Item(ctx, "p1")
	v, err := p1.Attr(ctx, "name")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.Equals, "Paris")

	// a nil key maps to nil and is not cached
	p2, _ := p.Item(ctx, "p2")
	v, err = p2.Attr(ctx, "name")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.IsNil)
	qt.Assert(t, p2.Cached("name"), qt.IsFalse)
}

func TestItemTargetAttr(t *testing.T) {
	ctx := context.Background()
	_, x, _, _ := graphFixture(t)
	names := mapping.NewDict()
	names.Pairs["x1"] = "x1"
	cat := &fakeCatalog{targets: map[mbapi.ResourceID]*resource.Object{"Test.X.label": registered(t, "Test.self", names)}}
	qt.Assert(t, BindAttr(cat, x, "label", mbapi.BindingArgs{TargetID: "Test.self", ItemRule: true}), qt.IsNil)
	x1, _ := x.Item(ctx, "x1")
	v, err := x1.Attr(ctx, "label")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.Equals, "x1")

	// the lookup result's name field becomes the attribute
	name := "name"
	xs := registered(t, "Test.XS", x.Value)
	cat.targets["Test.XS.title"] = registered(t, "Test.byKey", lookupFunc(func(key string) interface{} {
		v, _ := x.Value.(*mapping.Collection).Get(key)
		return v
	}))
	qt.Assert(t, BindAttr(cat, xs, "title", mbapi.BindingArgs{TargetID: "Test.byKey", ItemRule: true, TargetAttr: &name}), qt.IsNil)
	it, _ := xs.Item(ctx, "x2")
	v, err = it.Attr(ctx, "title")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.Equals, "second")
}

type lookupFunc func(key string) interface{}

func (f lookupFunc) Lookup(ctx context.Context, key string) (interface{}, error) {
	return f(key), nil
}

func TestItemAssignment(t *testing.T) {
	ctx := context.Background()
	_, x, _, _ := graphFixture(t)
	x1, _ := x.Item(ctx, "x1")

	err := x1.SetAttr(ctx, "links", "y9")
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeSchemaViolation)
	qt.Assert(t, err, qt.ErrorMatches, `.*read-only.*`)

	cat := &fakeCatalog{targets: map[mbapi.ResourceID]*resource.Object{}}
	graph := registered(t, "Test.g2", mapping.NewGraph())
	cat.targets["Test.X.friends"] = graph
	qt.Assert(t, BindAttr(cat, x, "friends", mbapi.BindingArgs{TargetID: "Test.g2", ItemRule: true, ReadWrite: true}), qt.IsNil)
	err = x1.SetAttr(ctx, "friends", "y1")
	qt.Assert(t, err, qt.ErrorMatches, `.*graph mapping.*`)

	d := mapping.NewDict()
	cat.targets["Test.X.partner"] = registered(t, "Test.pairs", d)
	qt.Assert(t, BindAttr(cat, x, "partner", mbapi.BindingArgs{TargetID: "Test.pairs", ItemRule: true, ReadWrite: true, UniqueMapping: true}), qt.IsNil)
	qt.Assert(t, x1.SetAttr(ctx, "partner", "y2"), qt.IsNil)
	qt.Assert(t, d.Pairs["x1"], qt.Equals, "y2")
	v, err := x1.Attr(ctx, "partner")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.Equals, "y2")
}

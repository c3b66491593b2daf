package resource

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/serum-errors/go-serum"

	"github.com/warptools/metabase/mbapi"
)

type countingResolver struct {
	name  string
	calls int
	value interface{}
	cache bool
}

func (r *countingResolver) Resolve(ctx context.Context, h Holder) (interface{}, bool, error) {
	r.calls++
	return r.value, r.cache, nil
}

func (r *countingResolver) Assign(ctx context.Context, h Holder, v interface{}) error {
	return mbapi.ErrorSchemaViolation("read-only")
}

func (r *countingResolver) Same(other Resolver) bool {
	o, ok := other.(*countingResolver)
	return ok && o.name == r.name
}

type bag struct {
	entries map[string]interface{}
	Label   string
}

func (b bag) Get(key string) (interface{}, bool) {
	v, ok := b.entries[key]
	return v, ok
}

func (b bag) Keys() []string {
	return []string{"a", "b"}
}

func TestAssignID(t *testing.T) {
	o := New("a thing", 1)
	qt.Assert(t, o.ID(), qt.Equals, mbapi.ResourceID(""))
	qt.Assert(t, o.AssignID("Bio.A"), qt.IsNil)
	qt.Assert(t, o.AssignID("Bio.A"), qt.IsNil)
	err := o.AssignID("Bio.B")
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeIDMismatch)
	qt.Assert(t, o.ID(), qt.Equals, mbapi.ResourceID("Bio.A"))
}

func TestAttrCachesResolvedValue(t *testing.T) {
	ctx := context.Background()
	o := New("a thing", bag{Label: "plain"})
	r := &countingResolver{name: "x", value: "resolved", cache: true}
	qt.Assert(t, o.BindAttr("x", r), qt.IsNil)

	for i := 0; i < 3; i++ {
		v, err := o.Attr(ctx, "x")
		qt.Assert(t, err, qt.IsNil)
		qt.Assert(t, v, qt.Equals, "resolved")
	}
	qt.Assert(t, r.calls, qt.Equals, 1)
	qt.Assert(t, o.Cached("x"), qt.IsTrue)

	v, err := o.Attr(ctx, "label")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.Equals, "plain")

	_, err = o.Attr(ctx, "missing")
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNoSuchAttr)
}

func TestAttrWithoutCaching(t *testing.T) {
	o := New("a thing", nil)
	r := &countingResolver{name: "x", value: nil, cache: false}
	qt.Assert(t, o.BindAttr("x", r), qt.IsNil)
	o.Attr(context.Background(), "x")
	o.Attr(context.Background(), "x")
	qt.Assert(t, r.calls, qt.Equals, 2)
	qt.Assert(t, o.Cached("x"), qt.IsFalse)
}

func TestBindIdempotent(t *testing.T) {
	o := New("a thing", nil)
	qt.Assert(t, o.BindAttr("x", &countingResolver{name: "one"}), qt.IsNil)
	qt.Assert(t, o.BindAttr("x", &countingResolver{name: "one"}), qt.IsNil)
	qt.Assert(t, o.Bound(), qt.DeepEquals, []string{"x"})

	err := o.BindAttr("x", &countingResolver{name: "two"})
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeBindingConflict)
}

func TestBindingsArePerInstance(t *testing.T) {
	a := New("a", bag{})
	b := New("b", bag{})
	qt.Assert(t, a.BindAttr("x", &countingResolver{name: "one", value: 1, cache: true}), qt.IsNil)
	_, err := b.Attr(context.Background(), "x")
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNoSuchAttr)
}

func TestItems(t *testing.T) {
	ctx := context.Background()
	o := New("container", bag{entries: map[string]interface{}{"a": 1, "b": 2}})
	r := &countingResolver{name: "links", value: "row", cache: true}
	qt.Assert(t, o.BindItemAttr("links", r), qt.IsNil)

	it, err := o.Item(ctx, "a")
	qt.Assert(t, err, qt.IsNil)
	again, _ := o.Item(ctx, "a")
	qt.Assert(t, again, qt.Equals, it)
	qt.Assert(t, it.Container(), qt.Equals, o)

	v, err := it.Attr(ctx, "links")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.Equals, "row")
	it.Attr(ctx, "links")
	qt.Assert(t, r.calls, qt.Equals, 1)

	// item attrs are not object attrs
	_, err = o.Attr(ctx, "links")
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNoSuchAttr)

	_, err = o.Item(ctx, "zzz")
	qt.Assert(t, mbapi.IsNotFound(err), qt.IsTrue)

	items, err := o.Items(ctx)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, items, qt.HasLen, 2)
}

func TestSetAttrUnbound(t *testing.T) {
	o := New("a thing", nil)
	err := o.SetAttr(context.Background(), "x", 1)
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeSchemaViolation)
}

func TestKeyOf(t *testing.T) {
	o := New("container", bag{entries: map[string]interface{}{"a": 1}})
	it, _ := o.Item(context.Background(), "a")
	k, err := KeyOf(it)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, k, qt.Equals, "a")

	_, err = KeyOf(New("x", nil))
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNotRegistered)

	k, _ = KeyOf(42)
	qt.Assert(t, k, qt.Equals, "42")
}

func TestGetAttrOnPlainValues(t *testing.T) {
	ctx := context.Background()
	v, err := GetAttr(ctx, map[string]int{"n": 3}, "n")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.Equals, 3)

	v, err = GetAttr(ctx, &bag{Label: "l"}, "Label")
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.Equals, "l")

	_, err = GetAttr(ctx, 5, "x")
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNoSuchAttr)
}

package serial

import (
	"context"
	"reflect"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/fluent/qp"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/serum-errors/go-serum"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/resource"
)

type sample struct {
	Name    string
	Count   int
	Ratio   float64
	Tags    []string
	Meta    map[string]interface{}
	Child   *sample
	Any     interface{}
	Skipped string `metabase:"-"`
}

type handle struct {
	Path string
}

func (handle) LocalDependency() string { return "open file" }

type unregistered struct {
	X int
}

type loop struct {
	Next *loop
}

func init() {
	Register("test.sample", (*sample)(nil))
	Register("test.handle", handle{})
	Register("test.loop", (*loop)(nil))
}

type fixedResolver map[mbapi.ResourceID]*resource.Object

func (r fixedResolver) Resolve(ctx context.Context, id mbapi.ResourceID) (*resource.Object, error) {
	if o, ok := r[id]; ok {
		return o, nil
	}
	return nil, mbapi.ErrorNotFound(id, "test resolver")
}

func TestRoundTripUnregistered(t *testing.T) {
	value := &sample{
		Name:  "genome",
		Count: 3,
		Ratio: 0.5,
		Tags:  []string{"a", "b"},
		Meta: map[string]interface{}{
			"answer": int64(42),
			"@odd":   "escaped key",
			"nested": []interface{}{"x", true, nil},
		},
		Child:   &sample{Name: "child"},
		Any:     int(7),
		Skipped: "not stored",
	}
	data, err := Encode(resource.New("a genome", value), EncodeOptions{})
	qt.Assert(t, err, qt.IsNil)

	back, err := Decode(context.Background(), data, nil, DecodeOptions{})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, back.Doc, qt.Equals, "a genome")
	qt.Assert(t, back.ID(), qt.Equals, mbapi.ResourceID(""))

	want := *value
	want.Skipped = ""
	qt.Assert(t, back.Value, qt.DeepEquals, &want)
	qt.Assert(t, reflect.TypeOf(back.Value.(*sample).Any), qt.Equals, reflect.TypeOf(int(0)))
}

func TestRegisteredObjectsBecomeReferences(t *testing.T) {
	seq := resource.New("sequences", "ACGT")
	qt.Assert(t, seq.AssignID("Bio.Seq"), qt.IsNil)

	root := resource.New("annotation", []interface{}{seq, "label"})
	data, err := Encode(root, EncodeOptions{})
	qt.Assert(t, err, qt.IsNil)

	raw, err := DecodeRaw(data)
	qt.Assert(t, err, qt.IsNil)
	body, _ := raw.LookupByString(keyObject)
	value, _ := body.LookupByString("value")
	first, _ := value.LookupByIndex(0)
	ref, err := first.LookupByString(keyRef)
	qt.Assert(t, err, qt.IsNil)
	s, _ := ref.AsString()
	qt.Assert(t, s, qt.Equals, "metabase:Bio.Seq")

	back, err := Decode(context.Background(), data, fixedResolver{"Bio.Seq": seq}, DecodeOptions{})
	qt.Assert(t, err, qt.IsNil)
	// the very same cached instance, not a copy
	qt.Assert(t, back.Value.([]interface{})[0], qt.Equals, seq)
}

func TestRootAlwaysEncodedInFull(t *testing.T) {
	root := resource.New("registered", "payload")
	qt.Assert(t, root.AssignID("Bio.Root"), qt.IsNil)
	data, err := Encode(root, EncodeOptions{
		Substitutions: map[*resource.Object]mbapi.ResourceID{root: "Bio.Other"},
	})
	qt.Assert(t, err, qt.IsNil)
	back, err := Decode(context.Background(), data, nil, DecodeOptions{})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, back.Value, qt.Equals, "payload")
}

func TestSubstitutions(t *testing.T) {
	pending := resource.New("not yet committed", "data")
	root := resource.New("root", map[string]interface{}{"dep": pending})
	data, err := Encode(root, EncodeOptions{
		Substitutions: map[*resource.Object]mbapi.ResourceID{pending: "Bio.Pending"},
	})
	qt.Assert(t, err, qt.IsNil)

	back, err := Decode(context.Background(), data, fixedResolver{"Bio.Pending": pending}, DecodeOptions{})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, back.Value.(map[string]interface{})["dep"], qt.Equals, pending)
}

func TestNestedObjectWithoutIDIsInlined(t *testing.T) {
	inner := resource.New("inner doc", "inner value")
	data, err := Encode(resource.New("outer", inner), EncodeOptions{})
	qt.Assert(t, err, qt.IsNil)
	back, err := Decode(context.Background(), data, nil, DecodeOptions{})
	qt.Assert(t, err, qt.IsNil)
	got := back.Value.(*resource.Object)
	qt.Assert(t, got.Doc, qt.Equals, "inner doc")
	qt.Assert(t, got.Value, qt.Equals, "inner value")
}

func TestNotPortableAbortsEncode(t *testing.T) {
	root := resource.New("root", []interface{}{"fine", handle{Path: "/tmp/x"}})
	_, err := Encode(root, EncodeOptions{})
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNotPortable)

	root = resource.New("root", &sample{Name: "server side"})
	_, err = Encode(root, EncodeOptions{NonPortable: []reflect.Type{reflect.TypeOf(&sample{})}})
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeNotPortable)
}

func TestNotSerializable(t *testing.T) {
	l := &loop{}
	l.Next = l
	for name, v := range map[string]interface{}{
		"unregistered struct": unregistered{X: 1},
		"func":                func() {},
		"int keys":            map[int]string{1: "a"},
		"unregistered map":    map[string]bool{"a": true},
		"pointer cycle":       l,
	} {
		_, err := Encode(resource.New("root", v), EncodeOptions{})
		qt.Check(t, serum.Code(err), qt.Equals, mbapi.ECodeNotSerializable, qt.Commentf("%s", name))
	}
}

func encodeRaw(t *testing.T, value qp.Assemble) []byte {
	n, err := qp.BuildMap(basicnode.Prototype.Any, 1, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, keyObject, qp.Map(2, func(ma datamodel.MapAssembler) {
			qp.MapEntry(ma, "doc", qp.String("doc"))
			qp.MapEntry(ma, "value", value)
		}))
	})
	qt.Assert(t, err, qt.IsNil)
	data, err := ipld.Encode(n, dagcbor.Encode)
	qt.Assert(t, err, qt.IsNil)
	return data
}

func TestCorruptData(t *testing.T) {
	ctx := context.Background()

	_, err := Decode(ctx, []byte("definitely not cbor"), nil, DecodeOptions{})
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeCorruptData)

	badRef := encodeRaw(t, qp.Map(1, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, keyRef, qp.String("legacy:Bio.Seq"))
	}))
	_, err = Decode(ctx, badRef, fixedResolver{}, DecodeOptions{})
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeCorruptData)

	unknownType := encodeRaw(t, qp.Map(2, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, keyType, qp.String("no.such.Type"))
		qp.MapEntry(ma, keyValue, qp.Int(1))
	}))
	_, err = Decode(ctx, unknownType, nil, DecodeOptions{})
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeCorruptData)

	strayToken := encodeRaw(t, qp.Map(1, func(ma datamodel.MapAssembler) {
		qp.MapEntry(ma, "@whatever", qp.Int(1))
	}))
	_, err = Decode(ctx, strayToken, nil, DecodeOptions{})
	qt.Assert(t, serum.Code(err), qt.Equals, mbapi.ECodeCorruptData)
}

func TestMissingReferencePropagates(t *testing.T) {
	seq := resource.New("sequences", "ACGT")
	seq.AssignID("Bio.Seq")
	data, err := Encode(resource.New("root", seq), EncodeOptions{})
	qt.Assert(t, err, qt.IsNil)
	_, err = Decode(context.Background(), data, fixedResolver{}, DecodeOptions{})
	qt.Assert(t, mbapi.IsNotFound(err), qt.IsTrue)
}

func TestContentID(t *testing.T) {
	a, err := ContentID([]byte("payload"))
	qt.Assert(t, err, qt.IsNil)
	b, _ := ContentID([]byte("payload"))
	c, _ := ContentID([]byte("other"))
	qt.Assert(t, a, qt.Equals, b)
	qt.Assert(t, a, qt.Not(qt.Equals), c)
}

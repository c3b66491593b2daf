package mbapi

import (
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/serum-errors/go-serum"
)

func TestTypeSystemCompiles(t *testing.T) {
	if errs := TypeSystem.ValidateGraph(); errs != nil {
		qt.Assert(t, errs, qt.IsNil)
	}
}

func TestResourceIDValidate(t *testing.T) {
	for _, id := range []ResourceID{"Bio", "Bio.Seq.Genome.HUMAN", "a-b.c_d.E9"} {
		qt.Check(t, id.Validate(), qt.IsNil, qt.Commentf("id %q", id))
	}
	for _, id := range []ResourceID{"", ".Bio", "Bio.", "Bio..Seq", "9lives", "SCHEMA.foo", "GRAPH", "Bio.s p"} {
		err := id.Validate()
		qt.Check(t, serum.Code(err), qt.Equals, ECodeInvalidID, qt.Commentf("id %q", id))
	}
}

func TestResourceIDNavigation(t *testing.T) {
	id := ResourceID("Bio.Seq.Genome")
	qt.Assert(t, id.Parent(), qt.Equals, ResourceID("Bio.Seq"))
	qt.Assert(t, id.Last(), qt.Equals, "Genome")
	qt.Assert(t, id.Child("HUMAN"), qt.Equals, ResourceID("Bio.Seq.Genome.HUMAN"))
	qt.Assert(t, ResourceID("").Child("Bio"), qt.Equals, ResourceID("Bio"))
	qt.Assert(t, ResourceID("Bio").Parent(), qt.Equals, ResourceID(""))
	qt.Assert(t, id.Segments(), qt.DeepEquals, []string{"Bio", "Seq", "Genome"})
}

func TestSchemaRecordSerialForm(t *testing.T) {
	var rec SchemaRecord
	rec.SetBinding("links", BindingOptions{Invert: true, MapAttr: "id"}.Args("Bio.Graph", true))
	rec.SetBinding("sourceDB", BindingOptions{}.Args("Bio.X", false))
	src := ResourceID("Bio.X")
	links := "links"
	rec.SchemaEdge = &RelationRecord{
		Kind:      RelationManyToMany,
		Name:      "Bio.Graph",
		SourceID:  &src,
		TargetID:  "Bio.Y",
		BindAttrs: []*string{&links, nil, nil},
	}

	data, err := MarshalJSON(&rec, "SchemaRecord")
	qt.Assert(t, err, qt.IsNil)
	qt.Check(t, strings.Contains(string(data), `"schemaEdge"`), qt.IsTrue)
	qt.Check(t, strings.Contains(string(data), `"many:many"`), qt.IsTrue)

	var back SchemaRecord
	qt.Assert(t, UnmarshalJSON(data, &back, "SchemaRecord"), qt.IsNil)
	qt.Assert(t, back.Bindings.Keys, qt.DeepEquals, []string{"links", "sourceDB"})
	args, ok := back.Binding("links")
	qt.Assert(t, ok, qt.IsTrue)
	qt.Assert(t, args.Equal(rec.Bindings.Values["links"]), qt.IsTrue)
	qt.Assert(t, back.SchemaEdge.Name, qt.Equals, ResourceID("Bio.Graph"))
	qt.Assert(t, *back.SchemaEdge.BindAttrs[0], qt.Equals, "links")
	qt.Assert(t, back.SchemaEdge.BindAttrs[1], qt.IsNil)
}

func TestSchemaRecordDeleteBinding(t *testing.T) {
	var rec SchemaRecord
	rec.SetBinding("a", BindingArgs{TargetID: "X"})
	rec.SetBinding("b", BindingArgs{TargetID: "Y"})
	qt.Assert(t, rec.DeleteBinding("a"), qt.IsTrue)
	qt.Assert(t, rec.DeleteBinding("a"), qt.IsFalse)
	qt.Assert(t, rec.Bindings.Keys, qt.DeepEquals, []string{"b"})
	qt.Assert(t, rec.Empty(), qt.IsFalse)
	rec.DeleteBinding("b")
	qt.Assert(t, rec.Empty(), qt.IsTrue)
}

func TestErrorCodes(t *testing.T) {
	err := ErrorNotFound("Bio.Seq", "mem:test")
	qt.Assert(t, IsNotFound(err), qt.IsTrue)
	qt.Assert(t, serum.Message(err), qt.Contains, "Bio.Seq")
	qt.Assert(t, IsNotFound(ErrorReadOnly("x")), qt.IsFalse)
}

func TestBindingRef(t *testing.T) {
	ref := BindingRef("Test.A", "partner")
	qt.Assert(t, ref, qt.Equals, ResourceID("GRAPH.Test.A.partner"))
	holder, attr, ok := ParseBindingRef(ref)
	qt.Assert(t, ok, qt.IsTrue)
	qt.Assert(t, holder, qt.Equals, ResourceID("Test.A"))
	qt.Assert(t, attr, qt.Equals, "partner")

	for _, id := range []ResourceID{"Test.A", "GRAPH.x", "GRAPHS.Test.a"} {
		_, _, ok := ParseBindingRef(id)
		qt.Check(t, ok, qt.IsFalse, qt.Commentf("id %q", id))
	}
}

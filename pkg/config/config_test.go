package config

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestMetabasePathDefault(t *testing.T) {
	s := State{Env: map[string]string{}}
	qt.Assert(t, s.MetabasePath(), qt.Equals, DefaultPath)
	qt.Assert(t, SplitPath(s.MetabasePath(), DefaultSeparator), qt.DeepEquals,
		[]string{"~", ".", "http://biodb2.bioinformatics.ucla.edu:5000"})

	s.Env[EnvMetabasePath] = "mem:a, ,/srv/metabase"
	qt.Assert(t, SplitPath(s.MetabasePath(), ","), qt.DeepEquals, []string{"mem:a", "/srv/metabase"})
}

func TestDebug(t *testing.T) {
	for v, want := range map[string]bool{"1": true, "true": true, "0": false, "false": false, "yes": true} {
		s := State{Env: map[string]string{EnvMetabaseDebug: v}}
		qt.Check(t, s.Debug(), qt.Equals, want, qt.Commentf("value %q", v))
	}
	qt.Assert(t, State{}.Debug(), qt.IsFalse)
}

func TestExpandPath(t *testing.T) {
	s := State{HomeDirectory: "/home/u", WorkingDirectory: "/work"}
	qt.Assert(t, s.ExpandPath("~"), qt.Equals, "/home/u")
	qt.Assert(t, s.ExpandPath("~/data"), qt.Equals, "/home/u/data")
	qt.Assert(t, s.ExpandPath("."), qt.Equals, "/work")
	qt.Assert(t, s.ExpandPath("sub/dir"), qt.Equals, "/work/sub/dir")
	qt.Assert(t, s.ExpandPath("/abs"), qt.Equals, "/abs")
	qt.Assert(t, s.ExpandPath("mysql:db.table"), qt.Equals, "mysql:db.table")
	qt.Assert(t, s.ExpandPath("http://example.org:5000"), qt.Equals, "http://example.org:5000")
}

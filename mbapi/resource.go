package mbapi

import (
	"regexp"
	"strings"
)

// ResourceID is a dotted name (`A.B.C`) addressing one catalog entry.
//
// The same ResourceID may exist independently in several backends;
// resolution order decides which one a catalog sees.
type ResourceID string

// Reserved roots. These prefixes are used for bookkeeping keys by the storage layer.
const (
	ReservedRootSchema = "SCHEMA"
	ReservedRootGraph  = "GRAPH"
)

var idSegmentPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

func (id ResourceID) String() string {
	return string(id)
}

// Segments splits the ID on its dots.
func (id ResourceID) Segments() []string {
	if id == "" {
		return nil
	}
	return strings.Split(string(id), ".")
}

// Child returns the ID extended by one segment.
// The root path is the empty ID, whose children have no leading dot.
func (id ResourceID) Child(name string) ResourceID {
	if id == "" {
		return ResourceID(name)
	}
	return ResourceID(string(id) + "." + name)
}

// Parent returns the ID with its last segment removed.
func (id ResourceID) Parent() ResourceID {
	i := strings.LastIndexByte(string(id), '.')
	if i < 0 {
		return ""
	}
	return id[:i]
}

// Last returns the final segment of the ID.
func (id ResourceID) Last() string {
	i := strings.LastIndexByte(string(id), '.')
	return string(id[i+1:])
}

// HasPrefix reports whether the ID lives under the given dotted prefix.
// A prefix matches whole IDs and partial segments alike, the way a directory listing does.
func (id ResourceID) HasPrefix(prefix string) bool {
	return strings.HasPrefix(string(id), prefix)
}

// Validate checks the ID's syntax.
//
// Errors:
//
//    - metabase-error-invalid-id -- when the ID is empty, has an invalid segment, or uses a reserved root
func (id ResourceID) Validate() error {
	if id == "" {
		return ErrorInvalidID(id, "resource IDs must not be empty")
	}
	segs := id.Segments()
	switch segs[0] {
	case ReservedRootSchema, ReservedRootGraph:
		return ErrorInvalidID(id, "the root name "+segs[0]+" is reserved")
	}
	for _, seg := range segs {
		if !idSegmentPattern.MatchString(seg) {
			return ErrorInvalidID(id, "segment "+quote(seg)+" must start with a letter and contain only letters, digits, '_' or '-'")
		}
	}
	return nil
}

func quote(s string) string {
	return "\"" + s + "\""
}

// ResourceInfo is the descriptive metadata stored alongside each serialized resource.
type ResourceInfo struct {
	CreationTime string
	PayloadSize  int64
	User         *string
	Description  string
	ContentID    *string
	TypeName     *string
}

// ResourceRecord is one stored resource: its ID, its metadata, and the serialized payload.
type ResourceRecord struct {
	ID      ResourceID
	Info    ResourceInfo
	Payload []byte
}

// RootNames lists the first segment of every ID stored in a backend.
type RootNames []string

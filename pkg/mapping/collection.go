// Package mapping holds the generic resource value types of the catalog:
// keyed collections, graphs between collections, and one-to-one dictionaries.
package mapping

import (
	"sort"

	"github.com/warptools/metabase/pkg/serial"
)

func init() {
	serial.Register("metabase.Collection", (*Collection)(nil))
	serial.Register("metabase.Graph", (*Graph)(nil))
	serial.Register("metabase.Dict", (*Dict)(nil))
	serial.Register("metabase.EdgeEnds", EdgeEnds{})
}

// Collection is a container resource of keyed entries.
type Collection struct {
	Entries map[string]interface{}
}

func NewCollection() *Collection {
	return &Collection{Entries: make(map[string]interface{})}
}

// Put adds or replaces an entry.
func (c *Collection) Put(key string, v interface{}) {
	if c.Entries == nil {
		c.Entries = make(map[string]interface{})
	}
	c.Entries[key] = v
}

func (c *Collection) Get(key string) (interface{}, bool) {
	v, ok := c.Entries[key]
	return v, ok
}

func (c *Collection) Keys() []string {
	return sortedKeys(c.Entries)
}

func sortedKeys(m map[string]interface{}) []string {
	result := make([]string, 0, len(m))
	for k := range m {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

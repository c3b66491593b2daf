package mbapi

import (
	"embed"
	"fmt"
	"reflect"

	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/schema"
	schemadmt "github.com/ipld/go-ipld-prime/schema/dmt"
	schemadsl "github.com/ipld/go-ipld-prime/schema/dsl"
)

// TypeSystem describes all our API data types and their representation strategies in IPLD Schema form.
// This is parsed from the mbapi.ipldsch file, which is embedded into the binary at build time.

//go:embed mbapi.ipldsch
var schFs embed.FS

// Export both the parsed DMT of the schema,
// and the compiled TypeSystem.
var SchemaDMT, TypeSystem = func() (*schemadmt.Schema, *schema.TypeSystem) {
	r, err := schFs.Open("mbapi.ipldsch")
	if err != nil {
		panic(fmt.Sprintf("failed to open embedded mbapi.ipldsch: %s", err))
	}
	schemaDmt, err := schemadsl.Parse("mbapi.ipldsch", r)
	if err != nil {
		panic(fmt.Sprintf("failed to parse api schema: %s", err))
	}
	ts := new(schema.TypeSystem)
	ts.Init()
	if err := schemadmt.Compile(ts, schemaDmt); err != nil {
		panic(fmt.Sprintf("failed to compile api schema: %s", err))
	}
	return schemaDmt, ts
}()

// MarshalJSON encodes one of the API types as dag-json,
// using the schema type of the given name.
// v may be a value or a pointer.
//
// Errors:
//
//    - metabase-error-serialization -- when the value does not fit the schema type
func MarshalJSON(v interface{}, typeName string) ([]byte, error) {
	if rv := reflect.ValueOf(v); rv.Kind() != reflect.Ptr {
		p := reflect.New(rv.Type())
		p.Elem().Set(rv)
		v = p.Interface()
	}
	data, err := ipld.Marshal(dagjson.Encode, v, TypeSystem.TypeByName(typeName))
	if err != nil {
		return nil, ErrorSerialization(fmt.Sprintf("encoding %s", typeName), err)
	}
	return data, nil
}

// UnmarshalJSON is the inverse of MarshalJSON.
//
// Errors:
//
//    - metabase-error-serialization -- when the data does not fit the schema type
func UnmarshalJSON(data []byte, v interface{}, typeName string) error {
	_, err := ipld.Unmarshal(data, dagjson.Decode, v, TypeSystem.TypeByName(typeName))
	if err != nil {
		return ErrorSerialization(fmt.Sprintf("decoding %s", typeName), err)
	}
	return nil
}

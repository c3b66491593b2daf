package resourceserver

import (
	"io"

	"github.com/ipld/go-ipld-prime/codec"
	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/datamodel"
	rfmtjson "github.com/polydawn/refmt/json"
	"github.com/serum-errors/go-serum"

	"github.com/warptools/metabase/mbapi"
)

// Rpc messages are dag-json. Payloads are bytes, so bytes are encoded and
// parsed in both directions. Links never appear in messages.
var (
	wireEncode = dagjson.EncodeOptions{
		EncodeBytes: true,
		MapSortMode: codec.MapSortMode_None,
	}
	wireDecode = dagjson.DecodeOptions{
		ParseBytes:         true,
		DontParseBeyondEnd: true, // one message per body
	}
)

var (
	compact = rfmtjson.EncodeOptions{Line: []byte{}, Indent: []byte{}}
	pretty  = rfmtjson.EncodeOptions{Line: []byte{'\n'}, Indent: []byte{'\t'}}
)

func serializationError(msg string, cause error) error {
	return serum.Error(mbapi.ECodeSerialization, serum.WithCause(cause),
		serum.WithMessageLiteral(msg),
	)
}

func writeNode(w io.Writer, n datamodel.Node, style rfmtjson.EncodeOptions) error {
	if err := dagjson.Marshal(n, rfmtjson.NewEncoder(w, style), wireEncode); err != nil {
		return serializationError("cannot encode message", err)
	}
	return nil
}

// Encoder writes n as a single line of dag-json.
//
// Errors:
//
//   - metabase-error-serialization -- if n cannot be encoded
func Encoder(n datamodel.Node, w io.Writer) error {
	return writeNode(w, n, compact)
}

// PrettyEncoder writes n as tab-indented dag-json, for people to read.
//
// Errors:
//
//   - metabase-error-serialization -- if n cannot be encoded
func PrettyEncoder(n datamodel.Node, w io.Writer) error {
	return writeNode(w, n, pretty)
}

// Decoder assembles exactly one dag-json message from r into na.
//
// Errors:
//
//   - metabase-error-serialization -- if r does not hold one well-formed message
func Decoder(na datamodel.NodeAssembler, r io.Reader) error {
	if err := wireDecode.Decode(na, r); err != nil {
		return serializationError("cannot decode message", err)
	}
	return nil
}

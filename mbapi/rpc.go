package mbapi

// Error codes of the resource server protocol.
// Errors raised by the catalog itself keep their own codes on the wire.
const (
	ECodeRpcMethodNotFound = "metabase-error-rpc-method-not-found"
	ECodeRpcSerialization  = "metabase-error-rpc-serialization"
	ECodeRpcUnknown        = "metabase-error-rpc-unknown"
	ECodeRpcConnection     = "metabase-error-rpc-connection"
)

// Rpc is the envelope of every message exchanged with a resource server.
// A request carries Request; the reply echoes the ID and carries Response.
type Rpc struct {
	ID       string
	Request  *RpcRequest
	Response *RpcResponse
}

// RpcRequest holds exactly one query.
type RpcRequest struct {
	GetResource *GetResourceQuery
	Dir         *DirQuery
	GetSchema   *GetSchemaQuery
	SchemaEdges *SchemaEdgesQuery
}

type GetResourceQuery struct {
	ID       ResourceID
	Download bool
}

type DirQuery struct {
	Prefix string
}

type GetSchemaQuery struct {
	ID ResourceID
}

type SchemaEdgesQuery struct {
	ID       ResourceID
	Incoming bool
}

// RpcResponse holds exactly one answer, or an error.
type RpcResponse struct {
	Resource    *ResourceRecord
	Dir         *DirAnswer
	Schema      *SchemaRecord
	SchemaEdges *SchemaEdges
	Error       *RpcError
}

type DirAnswer struct {
	Entries struct {
		Keys   []ResourceID
		Values map[ResourceID]ResourceInfo
	}
}

// RpcError carries a serum error code and message across the wire.
type RpcError struct {
	Code    string
	Message string
}

// Package rpcclient implements a read-only Backend against a remote resource server.
package rpcclient

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ipld/go-ipld-prime"
	"github.com/serum-errors/go-serum"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/backend"
	"github.com/warptools/metabase/pkg/logging"
	"github.com/warptools/metabase/pkg/resourceserver"
)

const LogTag = "rpc client"

// DefaultTimeout bounds a whole request when no http.Client is given.
const DefaultTimeout = 30 * time.Second

type Client struct {
	url  string
	http *http.Client
}

var _ backend.Backend = (*Client)(nil)

// Open returns a client of the server at url.
// No request is made until the first read, so an unreachable server
// surfaces as metabase-error-backend on use.
// hc may be nil.
func Open(url string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{url: url, http: hc}
}

func (c *Client) Locator() string { return c.url }
func (c *Client) Writable() bool  { return false }

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// call sends one request and returns the matching response.
//
// Errors:
//
//    - metabase-error-backend -- if the server cannot be reached or answers with a bad status
//    - metabase-error-rpc-serialization -- if the reply is not a valid RPC message
//    - metabase-error-internal -- if the reply answers another request
//    - any code sent by the server
func (c *Client) call(ctx context.Context, req mbapi.RpcRequest) (*mbapi.RpcResponse, error) {
	log := logging.Ctx(ctx)
	id := uuid.New().String()
	rpc := mbapi.Rpc{ID: id, Request: &req}
	body := &bytes.Buffer{}
	if err := ipld.MarshalStreaming(body, resourceserver.Encoder, &rpc, mbapi.TypeSystem.TypeByName("Rpc")); err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, mbapi.ErrorBackend(c.url, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	log.Debug(LogTag, "%s -> %s", id, c.url)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, mbapi.ErrorBackend(c.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, mbapi.ErrorBackend(c.url, fmt.Errorf("unexpected status %s", resp.Status))
	}
	var reply mbapi.Rpc
	if _, err := ipld.UnmarshalStreaming(resp.Body, resourceserver.Decoder, &reply, mbapi.TypeSystem.TypeByName("Rpc")); err != nil {
		return nil, serum.Error(mbapi.ECodeRpcSerialization, serum.WithCause(err),
			serum.WithMessageLiteral("unable to read RPC reply"),
		)
	}
	if reply.Response == nil {
		return nil, serum.Error(mbapi.ECodeRpcSerialization,
			serum.WithMessageLiteral("RPC reply carries no response"),
		)
	}
	if reply.Response.Error != nil {
		return nil, mbapi.ErrorRemote(reply.Response.Error.Code, reply.Response.Error.Message)
	}
	if reply.ID != id {
		return nil, mbapi.ErrorInternal(fmt.Sprintf("RPC reply %q does not answer request %q", reply.ID, id), nil)
	}
	return reply.Response, nil
}

func missing(what string) error {
	return serum.Error(mbapi.ECodeRpcSerialization,
		serum.WithMessageTemplate("RPC reply carries no {{what}}"),
		serum.WithDetail("what", what),
	)
}

func (c *Client) Get(ctx context.Context, id mbapi.ResourceID, download bool) (mbapi.ResourceRecord, error) {
	resp, err := c.call(ctx, mbapi.RpcRequest{GetResource: &mbapi.GetResourceQuery{ID: id, Download: download}})
	if err != nil {
		return mbapi.ResourceRecord{}, err
	}
	if resp.Resource == nil {
		return mbapi.ResourceRecord{}, missing("resource")
	}
	return *resp.Resource, nil
}

func (c *Client) dir(ctx context.Context, prefix string) (*mbapi.DirAnswer, error) {
	resp, err := c.call(ctx, mbapi.RpcRequest{Dir: &mbapi.DirQuery{Prefix: prefix}})
	if err != nil {
		return nil, err
	}
	if resp.Dir == nil {
		return nil, missing("listing")
	}
	return resp.Dir, nil
}

// Describe lists the prefix id and picks the exact entry.
func (c *Client) Describe(ctx context.Context, id mbapi.ResourceID) (mbapi.ResourceInfo, error) {
	ans, err := c.dir(ctx, string(id))
	if err != nil {
		return mbapi.ResourceInfo{}, err
	}
	info, ok := ans.Entries.Values[id]
	if !ok {
		return mbapi.ResourceInfo{}, mbapi.ErrorNotFound(id, c.url)
	}
	return info, nil
}

func (c *Client) List(ctx context.Context, prefix string) ([]mbapi.ResourceID, error) {
	ans, err := c.dir(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return ans.Entries.Keys, nil
}

func (c *Client) RootNames(ctx context.Context) (mbapi.RootNames, error) {
	ids, err := c.List(ctx, "")
	if err != nil {
		return nil, err
	}
	names := mbapi.RootNames{}
	seen := map[string]bool{}
	for _, id := range ids {
		root := id.Segments()[0]
		if !seen[root] {
			seen[root] = true
			names = append(names, root)
		}
	}
	return names, nil
}

func (c *Client) GetSchema(ctx context.Context, id mbapi.ResourceID) (mbapi.SchemaRecord, error) {
	resp, err := c.call(ctx, mbapi.RpcRequest{GetSchema: &mbapi.GetSchemaQuery{ID: id}})
	if err != nil {
		return mbapi.SchemaRecord{}, err
	}
	if resp.Schema == nil {
		return mbapi.SchemaRecord{}, missing("schema")
	}
	return *resp.Schema, nil
}

func (c *Client) SchemaEdges(ctx context.Context, id mbapi.ResourceID, incoming bool) (mbapi.SchemaEdges, error) {
	resp, err := c.call(ctx, mbapi.RpcRequest{SchemaEdges: &mbapi.SchemaEdgesQuery{ID: id, Incoming: incoming}})
	if err != nil {
		return mbapi.SchemaEdges{}, err
	}
	if resp.SchemaEdges == nil {
		return mbapi.SchemaEdges{}, missing("schema edges")
	}
	return *resp.SchemaEdges, nil
}

func (c *Client) Put(ctx context.Context, rec mbapi.ResourceRecord) error {
	return mbapi.ErrorReadOnly(c.url)
}

func (c *Client) Delete(ctx context.Context, id mbapi.ResourceID) error {
	return mbapi.ErrorReadOnly(c.url)
}

func (c *Client) PutSchema(ctx context.Context, id mbapi.ResourceID, attr string, args mbapi.BindingArgs) error {
	return mbapi.ErrorReadOnly(c.url)
}

func (c *Client) DeleteSchema(ctx context.Context, id mbapi.ResourceID, attr string) error {
	return mbapi.ErrorReadOnly(c.url)
}

func (c *Client) PutSchemaRecord(ctx context.Context, id mbapi.ResourceID, rec mbapi.SchemaRecord) error {
	return mbapi.ErrorReadOnly(c.url)
}

func (c *Client) DeleteSchemaRecord(ctx context.Context, id mbapi.ResourceID) error {
	return mbapi.ErrorReadOnly(c.url)
}

func (c *Client) PutSchemaEdge(ctx context.Context, source, target, relation mbapi.ResourceID) error {
	return mbapi.ErrorReadOnly(c.url)
}

func (c *Client) DeleteSchemaEdge(ctx context.Context, source, target mbapi.ResourceID) error {
	return mbapi.ErrorReadOnly(c.url)
}

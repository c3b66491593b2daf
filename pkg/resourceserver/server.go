// Package resourceserver serves a catalog backend to remote catalogs over HTTP.
//
// Every request is one POST whose body is a dag-json Rpc message holding an RpcRequest;
// the reply is an Rpc message with the same ID holding an RpcResponse.
// Errors travel inside the response with their serum code, so a client sees
// metabase-error-not-found exactly as it would from a local backend.
package resourceserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/serum-errors/go-serum"

	"github.com/warptools/metabase/mbapi"
	"github.com/warptools/metabase/pkg/backend"
	"github.com/warptools/metabase/pkg/logging"
	"github.com/warptools/metabase/pkg/serial"
)

// Log tags for the server. Used to easily distinguish server/handler logs from catalog logs.
const (
	LogTag_Server         = "╬═  server"
	LogTag_DefaultHandler = "╬═? handler" // Default log tag for a handler outside of a request
)

// key for context.Context used to set/retrieve handler logging tag
type handlerTagKey struct{}

// handlerTag retrieves the handler logging tag from context
func handlerTag(ctx context.Context) string {
	value := ctx.Value(handlerTagKey{})
	if value == nil {
		return LogTag_DefaultHandler
	}
	return value.(string)
}

// setHandlerTag returns a new context with the given handler logging tag value
func setHandlerTag(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, handlerTagKey{}, tag)
}

const DefaultReadTimeout = 5 * time.Second // Default time allowed for reading one request.

// Config tunes a Server.
type Config struct {
	// Endpoint is the URL clients reach this server at. It is handed to client variants.
	Endpoint string

	// User is recorded as the owner of published resources.
	User string

	// ReadTimeout bounds reading one request. Zero means DefaultReadTimeout.
	ReadTimeout time.Duration

	// Registry is used to encode published values. Nil means serial.DefaultRegistry.
	Registry *serial.Registry
}

// Server answers RPCs from one backend, and publishes resources into it.
type Server struct {
	backend  backend.Backend
	handler  rpcHandler
	cfg      Config
	nowFn    func() time.Time // If nil, time.Now is used.
	reqCount int64            // Tracing metric. Used in log tags for handlers.
}

var _ http.Handler = (*Server)(nil)

// New returns a server reading from, and publishing into, b.
func New(b backend.Backend, cfg Config) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	return &Server{
		backend: b,
		handler: rpcHandler{backend: b},
		cfg:     cfg,
	}
}

// Backend returns the backend the server answers from.
func (s *Server) Backend() backend.Backend {
	return s.backend
}

// now returns the result of time.Now
// May be overridden by setting nowFn
func (s *Server) now() time.Time {
	if s.nowFn == nil {
		return time.Now()
	}
	return s.nowFn()
}

// NextRPC returns the next RPC object on the decoder's stream.
//
// Errors:
//
//    - metabase-error-rpc-serialization -- bad connection or invalid json
//    - metabase-error-rpc-serialization -- invalid RPC data
func NextRPC(ctx context.Context, d *json.Decoder) (*mbapi.Rpc, error) {
	var raw json.RawMessage
	var rpc mbapi.Rpc
	log := logging.Ctx(ctx)
	tag := handlerTag(ctx)
	log.Debug(tag, "reading json")
	if err := d.Decode(&raw); err != nil {
		return nil, serum.Error(mbapi.ECodeRpcSerialization, serum.WithCause(err),
			serum.WithMessageLiteral("unable to read JSON from request"),
		)
	}
	log.Debug(tag+" ---", string(raw))
	if _, err := ipld.Unmarshal(raw, dagjson.Decode, &rpc, mbapi.TypeSystem.TypeByName("Rpc")); err != nil {
		return nil, serum.Error(mbapi.ECodeRpcSerialization, serum.WithCause(err),
			serum.WithMessageLiteral("unable to read RPC message"),
		)
	}
	return &rpc, nil
}

// ServeHTTP answers a single RPC.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := atomic.AddInt64(&s.reqCount, 1) - 1
	ctx := setHandlerTag(r.Context(), LogTag_Server+"["+strconv.FormatInt(n, 10)+"]")
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "metabase resource server: POST one dag-json Rpc message", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = s.handle(ctx, w, r.Body)
}

// handle reads one request from body and writes the reply to w.
// It recovers from panics and logs errors before returning;
// the returned error is informational only.
func (s *Server) handle(ctx context.Context, w io.Writer, body io.Reader) (err error) {
	log := logging.Ctx(ctx)
	tag := handlerTag(ctx)
	var id string
	defer func() {
		r := recover()
		if r != nil {
			log.Info(tag, "handler panic: %s", r)
			log.Info(tag, string(debug.Stack()))
			err = mbapi.ErrorInternal("resource server handler panicked", nil)
			if sendErr := sendError(ctx, w, id, err); sendErr != nil {
				log.Debug(tag, "unable to send error response")
			}
			return
		}
		if err != nil {
			log.Debug(tag, "handler returned with error: %s", mbapi.Describe(err))
		}
	}()
	defer log.Debug(tag, "request done")

	rpc, err := NextRPC(ctx, json.NewDecoder(body))
	if err != nil {
		if sendErr := sendError(ctx, w, "", err); sendErr != nil {
			log.Debug(tag, "unable to send error response")
		}
		return err
	}
	id = rpc.ID
	if rpc.Request == nil {
		err := serum.Error(mbapi.ECodeRpcMethodNotFound,
			serum.WithMessageLiteral("RPC message carries no request"),
		)
		if sendErr := sendError(ctx, w, id, err); sendErr != nil {
			log.Debug(tag, "unable to send error response")
		}
		return err
	}
	log.Debug(tag, "handle request %s", id)
	response, err := s.handler.handle(ctx, *rpc.Request)
	if err != nil {
		if sendErr := sendError(ctx, w, id, err); sendErr != nil {
			log.Debug(tag, "unable to send error response")
		}
		return err
	}
	reply := mbapi.Rpc{ID: id, Response: response}
	buf := &bytes.Buffer{}
	if err := ipld.MarshalStreaming(buf, Encoder, &reply, mbapi.TypeSystem.TypeByName("Rpc")); err != nil {
		err = serum.Error(mbapi.ECodeSerialization, serum.WithCause(err),
			serum.WithMessageLiteral("RPC handler failed to serialize response"),
		)
		if sendErr := sendError(ctx, w, id, err); sendErr != nil {
			log.Debug(tag, "unable to send error response")
		}
		return err
	}
	if _, err := io.Copy(w, buf); err != nil {
		return serum.Error(mbapi.ECodeIo, serum.WithCause(err),
			serum.WithMessageLiteral("RPC handler failed to write response"),
		)
	}
	return nil
}

// rpcError flattens err for the wire.
func rpcError(err error) *mbapi.RpcError {
	code := serum.Code(err)
	if code == "" {
		code = mbapi.ECodeRpcUnknown
	}
	return &mbapi.RpcError{Code: code, Message: err.Error()}
}

// sendError is a helper to serialize error responses to the client.
// sendError will panic if the error response to serialize is nil.
//
// Errors:
//
//   - metabase-error-serialization --
func sendError(ctx context.Context, w io.Writer, id string, response error) error {
	if response == nil {
		panic("server cannot send nil error")
	}
	rpc := &mbapi.Rpc{
		ID:       id,
		Response: &mbapi.RpcResponse{Error: rpcError(response)},
	}
	err := ipld.MarshalStreaming(w, Encoder, rpc, mbapi.TypeSystem.TypeByName("Rpc"))
	if err != nil {
		return serum.Error(mbapi.ECodeSerialization, serum.WithCause(err),
			serum.WithMessageLiteral("unable to send rpc error response"),
		)
	}
	return nil
}

// Serve accepts and handles requests on l until ctx is cancelled.
// The logger and tracer of ctx are used by every handler.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	log := logging.Ctx(ctx)
	if l == nil {
		panic("server has nil listener")
	}
	hs := &http.Server{
		Handler:     s,
		ReadTimeout: s.cfg.ReadTimeout,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = hs.Close()
		case <-done:
		}
	}()
	log.Info(LogTag_Server, "serving %s on %s", s.backend.Locator(), l.Addr())
	err := hs.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		log.Info(LogTag_Server, "server: no longer accepting connections")
		return nil
	}
	log.Info(LogTag_Server, "server: socket error on accept: %s", err.Error())
	return err
}

// Listen opens a TCP listener on addr, such as "localhost:5000".
//
// Errors:
//
//    - metabase-error-io -- if the address cannot be listened on
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	cfg := net.ListenConfig{}
	l, err := cfg.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, mbapi.ErrorIo("could not listen", addr, err)
	}
	return l, nil
}

// rpcHandler handles the actual RpcRequests.
type rpcHandler struct {
	backend backend.Backend
}

// handle selects and calls the method for req.
func (h *rpcHandler) handle(ctx context.Context, req mbapi.RpcRequest) (*mbapi.RpcResponse, error) {
	logger := logging.Ctx(ctx)
	tag := handlerTag(ctx)
	switch {
	case req.GetResource != nil:
		logger.Debug(tag, "getResource %s", req.GetResource.ID)
		return h.methodGetResource(ctx, *req.GetResource)
	case req.Dir != nil:
		logger.Debug(tag, "dir %q", req.Dir.Prefix)
		return h.methodDir(ctx, *req.Dir)
	case req.GetSchema != nil:
		logger.Debug(tag, "getSchema %s", req.GetSchema.ID)
		return h.methodGetSchema(ctx, *req.GetSchema)
	case req.SchemaEdges != nil:
		logger.Debug(tag, "schemaEdges %s", req.SchemaEdges.ID)
		return h.methodSchemaEdges(ctx, *req.SchemaEdges)
	default:
		logger.Debug(tag, "method not found")
		return nil, serum.Error(mbapi.ECodeRpcMethodNotFound,
			serum.WithMessageLiteral("RPC request names no known method"),
		)
	}
}

func (h *rpcHandler) methodGetResource(ctx context.Context, q mbapi.GetResourceQuery) (*mbapi.RpcResponse, error) {
	rec, err := h.backend.Get(ctx, q.ID, q.Download)
	if err != nil {
		return nil, err
	}
	return &mbapi.RpcResponse{Resource: &rec}, nil
}

func (h *rpcHandler) methodDir(ctx context.Context, q mbapi.DirQuery) (*mbapi.RpcResponse, error) {
	ids, err := h.backend.List(ctx, q.Prefix)
	if err != nil {
		return nil, err
	}
	ans := &mbapi.DirAnswer{}
	ans.Entries.Values = make(map[mbapi.ResourceID]mbapi.ResourceInfo, len(ids))
	for _, id := range ids {
		info, err := h.backend.Describe(ctx, id)
		if mbapi.IsNotFound(err) {
			// deleted since List
			continue
		}
		if err != nil {
			return nil, err
		}
		ans.Entries.Keys = append(ans.Entries.Keys, id)
		ans.Entries.Values[id] = info
	}
	return &mbapi.RpcResponse{Dir: ans}, nil
}

func (h *rpcHandler) methodGetSchema(ctx context.Context, q mbapi.GetSchemaQuery) (*mbapi.RpcResponse, error) {
	rec, err := h.backend.GetSchema(ctx, q.ID)
	if err != nil {
		return nil, err
	}
	return &mbapi.RpcResponse{Schema: &rec}, nil
}

func (h *rpcHandler) methodSchemaEdges(ctx context.Context, q mbapi.SchemaEdgesQuery) (*mbapi.RpcResponse, error) {
	edges, err := h.backend.SchemaEdges(ctx, q.ID, q.Incoming)
	if err != nil {
		return nil, err
	}
	return &mbapi.RpcResponse{SchemaEdges: &edges}, nil
}

// Package nettest serves HTTP in tests without opening sockets.
package nettest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/warptools/metabase/mbapi"
)

const DefaultTimeout = 5 * time.Second

// PipeListener is a net.Listener whose connections are in-memory pipes made by Dial.
type PipeListener struct {
	connections chan net.Conn
	done        chan struct{}
	closeOnce   sync.Once
	Timeout     time.Duration // Deadline given to every dialed connection.
}

var _ net.Listener = (*PipeListener)(nil)

// NewPipeListener returns a listener that is closed once ctx is done.
func NewPipeListener(ctx context.Context) *PipeListener {
	p := &PipeListener{
		connections: make(chan net.Conn),
		done:        make(chan struct{}),
		Timeout:     DefaultTimeout,
	}
	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-p.done:
		}
	}()
	return p
}

// Close unblocks Accept.
func (p *PipeListener) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// Errors:
//
//  - metabase-error-io -- if the listener is closed
func (p *PipeListener) Accept() (net.Conn, error) {
	select {
	case <-p.done:
		return nil, mbapi.ErrorIo("accept", "pipe", net.ErrClosed)
	case conn := <-p.connections:
		return conn, nil
	}
}

func (p *PipeListener) Addr() net.Addr { return pipeAddr{} }

// Dial hands the server end of a new pipe to Accept and returns the client end.
//
// Errors:
//
//  - metabase-error-io -- if nothing accepts the connection in time
func (p *PipeListener) Dial(ctx context.Context) (net.Conn, error) {
	serverConn, clientConn := net.Pipe()
	clientConn.SetDeadline(time.Now().Add(p.Timeout))
	select {
	case <-ctx.Done():
		return nil, mbapi.ErrorIo("dial", "pipe", ctx.Err())
	case p.connections <- serverConn:
		return clientConn, nil
	case <-time.After(p.Timeout):
		return nil, mbapi.ErrorIo("dial", "pipe", errors.New("timeout"))
	}
}

// HTTPClient returns a client whose every request is dialed through p.
func (p *PipeListener) HTTPClient() *http.Client {
	return &http.Client{
		Timeout: p.Timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return p.Dial(ctx)
			},
			DisableKeepAlives: true,
		},
	}
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

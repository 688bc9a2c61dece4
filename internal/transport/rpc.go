package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"distributed-search/internal/fault"
)

// rpcRequest is one framed request. DeadlineMS is the remaining budget as
// seen by the caller; the server derives its own context deadline from it.
type rpcRequest struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	DeadlineMS int64           `json:"deadline_ms"`
	Body       json.RawMessage `json:"body"`
}

type rpcError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// rpcReply always echoes the server's believed leader so that every RPC
// doubles as a leader-cache refresh for the caller.
type rpcReply struct {
	ID       string          `json:"id"`
	OK       bool            `json:"ok"`
	LeaderID string          `json:"leader_id"`
	Term     uint64          `json:"term"`
	Error    *rpcError       `json:"error,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// RPCHandler dispatches one request body by type. Returning an error turns
// into a typed error reply; the fault kind survives the wire.
type RPCHandler func(ctx context.Context, rpcType string, body json.RawMessage) (any, error)

// LeaderInfo supplies the believed leader echoed on every reply.
type LeaderInfo func() (leaderID string, term uint64)

// ─── Server ───────────────────────────────────────────────────────────────────

// RPCServer accepts framed request/reply connections. Each connection gets
// a read loop; each request is handled in its own goroutine so a slow
// replicate_doc cannot head-of-line-block a search_local on the same pipe.
type RPCServer struct {
	listener   net.Listener
	handler    RPCHandler
	leaderInfo LeaderInfo
	log        zerolog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// ListenRPC binds the TCP socket and starts accepting.
func ListenRPC(bind string, handler RPCHandler, leaderInfo LeaderInfo, log zerolog.Logger) (*RPCServer, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", bind, err)
	}
	s := &RPCServer{
		listener:   ln,
		handler:    handler,
		leaderInfo: leaderInfo,
		log:        log,
		conns:      make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// LocalAddr returns the bound address.
func (s *RPCServer) LocalAddr() string {
	return s.listener.Addr().String()
}

func (s *RPCServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.log.Warn().Err(err).Msg("rpc accept failed")
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *RPCServer) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	var writeMu sync.Mutex
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			s.log.Debug().Err(err).Msg("dropping malformed rpc frame")
			return
		}
		go s.handleRequest(conn, &writeMu, req)
	}
}

func (s *RPCServer) handleRequest(conn net.Conn, writeMu *sync.Mutex, req rpcRequest) {
	deadline := 5 * time.Second
	if req.DeadlineMS > 0 {
		deadline = time.Duration(req.DeadlineMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	leaderID, term := s.leaderInfo()
	reply := rpcReply{ID: req.ID, LeaderID: leaderID, Term: term}

	result, err := s.handler(ctx, req.Type, req.Body)
	if err != nil {
		reply.Error = &rpcError{Kind: fault.Token(err), Message: err.Error()}
	} else {
		body, merr := json.Marshal(result)
		if merr != nil {
			reply.Error = &rpcError{Kind: fault.Token(fault.ErrInternal), Message: merr.Error()}
		} else {
			reply.OK = true
			reply.Body = body
		}
	}

	out, err := json.Marshal(reply)
	if err != nil {
		s.log.Error().Err(err).Str("rpc", req.Type).Msg("marshal rpc reply")
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(deadline))
	if err := writeFrame(conn, out); err != nil {
		s.log.Debug().Err(err).Msg("rpc reply write failed")
	}
}

// Close stops accepting and tears down open connections.
func (s *RPCServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	return err
}

// ─── Client ───────────────────────────────────────────────────────────────────

// perPeerInflight bounds concurrent calls to one peer. A caller that cannot
// get a slot within busyWait fails fast with PEER_BUSY instead of piling on.
const (
	perPeerInflight = 32
	busyWait        = 200 * time.Millisecond
)

// LeaderHint is invoked with the leader echoed on every reply.
type LeaderHint func(leaderID string, term uint64)

// RPCClient issues framed calls to peers. Transport failures are retried
// with exponential backoff inside the caller's deadline; typed application
// errors are returned as-is on the first attempt.
type RPCClient struct {
	log        zerolog.Logger
	leaderHint LeaderHint

	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewRPCClient creates a client. hint may be nil.
func NewRPCClient(log zerolog.Logger, hint LeaderHint) *RPCClient {
	return &RPCClient{
		log:        log,
		leaderHint: hint,
		sems:       make(map[string]chan struct{}),
	}
}

func (c *RPCClient) sem(addr string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sems[addr]
	if !ok {
		s = make(chan struct{}, perPeerInflight)
		c.sems[addr] = s
	}
	return s
}

// Call sends one request and decodes the reply body into out (which may be
// nil). The context deadline is the overall budget; it is propagated on the
// wire as deadline_ms.
func (c *RPCClient) Call(ctx context.Context, addr, rpcType string, body, out any) error {
	sem := c.sem(addr)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-time.After(busyWait):
		return fmt.Errorf("%w: %s inflight limit reached", fault.ErrPeerBusy, addr)
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", fault.ErrTransientPeer, addr, ctx.Err())
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", rpcType, err)
	}
	req := rpcRequest{ID: uuid.NewString(), Type: rpcType, Body: raw}

	policy := backoff.WithContext(newRetryPolicy(), ctx)
	var reply rpcReply
	err = backoff.Retry(func() error {
		attempt, aerr := c.attempt(ctx, addr, req)
		if aerr != nil {
			return aerr // transport failure: retry
		}
		reply = attempt
		return nil
	}, policy)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return fmt.Errorf("%w: %s %s: %v", fault.ErrTransientPeer, rpcType, addr, err)
	}

	if c.leaderHint != nil && reply.LeaderID != "" {
		c.leaderHint(reply.LeaderID, reply.Term)
	}
	if reply.Error != nil {
		return fmt.Errorf("%w: %s", fault.FromToken(reply.Error.Kind), reply.Error.Message)
	}
	if out != nil && len(reply.Body) > 0 {
		if err := json.Unmarshal(reply.Body, out); err != nil {
			return fmt.Errorf("decode %s reply: %w", rpcType, err)
		}
	}
	return nil
}

// attempt performs one dial-send-receive cycle.
func (c *RPCClient) attempt(ctx context.Context, addr string, req rpcRequest) (rpcReply, error) {
	var reply rpcReply

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return reply, context.DeadlineExceeded
	}
	req.DeadlineMS = remaining.Milliseconds()

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return reply, err
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	frame, err := json.Marshal(req)
	if err != nil {
		return reply, backoff.Permanent(err)
	}
	if err := writeFrame(conn, frame); err != nil {
		return reply, err
	}
	respFrame, err := readFrame(conn)
	if err != nil {
		return reply, err
	}
	if err := json.Unmarshal(respFrame, &reply); err != nil {
		return reply, err
	}
	if reply.ID != req.ID {
		return reply, fmt.Errorf("reply id mismatch: sent %s got %s", req.ID, reply.ID)
	}
	return reply, nil
}

func newRetryPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0 // bounded by the call context instead
	return b
}


package cluster

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xet7/jmap-server/docstore"
)

// ErrUnauthorized is returned when a peer fails shared-secret admission.
var ErrUnauthorized = errors.New("cluster: unauthorized peer")

// handlerFunc processes one RPC request and returns a response or error.
type handlerFunc func(ctx context.Context, req json.RawMessage) (any, error)

// request is the wire format for an RPC request. The protocol is
// newline-delimited JSON over a persistent TCP connection, preceded by a
// one-frame authenticated hello.
type request struct {
	Method string          `json:"method"`
	ID     uint64          `json:"id"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	ID    uint64          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	// Code carries a machine-readable error class so callers can react
	// without parsing messages.
	Code string `json:"code,omitempty"`
}

// hello is the admission frame. The MAC covers node|nonce with the
// cluster's shared secret; a peer that cannot produce it is rejected
// before any method dispatch.
type hello struct {
	Node  string `json:"node"`
	Nonce string `json:"nonce"`
	MAC   string `json:"mac"`
}

type helloReply struct {
	Node  string `json:"node"`
	Error string `json:"error,omitempty"`
}

func admissionMAC(secret []byte, node, nonce string) string {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(node))
	m.Write([]byte{0})
	m.Write([]byte(nonce))
	return hex.EncodeToString(m.Sum(nil))
}

// rpcServer accepts authenticated peer connections and dispatches methods.
type rpcServer struct {
	nodeID   string
	secret   []byte
	logger   *slog.Logger
	handlers map[string]handlerFunc

	mu       sync.RWMutex
	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}
}

func newRPCServer(nodeID string, secret []byte, logger *slog.Logger) *rpcServer {
	return &rpcServer{
		nodeID:   nodeID,
		secret:   secret,
		logger:   logger,
		handlers: make(map[string]handlerFunc),
		done:     make(chan struct{}),
	}
}

func (s *rpcServer) register(method string, h handlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// serve starts accepting connections on ln and returns immediately.
func (s *rpcServer) serve(ln net.Listener) {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.done:
					return
				default:
					s.logger.Error("accept failed", "error", err)
					continue
				}
			}
			s.wg.Add(1)
			go s.handleConn(conn)
		}
	}()
}

func (s *rpcServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var h hello
	if err := dec.Decode(&h); err != nil {
		return
	}
	if !hmac.Equal([]byte(h.MAC), []byte(admissionMAC(s.secret, h.Node, h.Nonce))) {
		s.logger.Warn("peer rejected, bad admission key", "peer", h.Node, "addr", conn.RemoteAddr())
		_ = enc.Encode(helloReply{Node: s.nodeID, Error: ErrUnauthorized.Error()})
		return
	}
	if err := enc.Encode(helloReply{Node: s.nodeID}); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			return
		}

		s.mu.RLock()
		handler, ok := s.handlers[req.Method]
		s.mu.RUnlock()

		resp := response{ID: req.ID}
		if !ok {
			resp.Error = fmt.Sprintf("unknown method: %s", req.Method)
		} else if data, err := handler(context.Background(), req.Params); err != nil {
			resp.Error = err.Error()
			resp.Code = errorCode(err)
		} else if data != nil {
			raw, err := json.Marshal(data)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Data = raw
			}
		}

		if err := enc.Encode(resp); err != nil {
			s.logger.Error("response write failed", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *rpcServer) stop() {
	close(s.done)
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// rpcClient is a persistent authenticated connection to one peer. Calls
// are serialized on the connection; reconnects are the caller's concern.
type rpcClient struct {
	peer   string // remote node id, learned from the hello reply
	conn   net.Conn
	enc    *json.Encoder
	dec    *json.Decoder
	mu     sync.Mutex
	nextID atomic.Uint64
}

// dialPeer connects and performs the admission handshake.
func dialPeer(addr, nodeID string, secret []byte, timeout time.Duration) (*rpcClient, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	var nonceBytes [16]byte
	if _, err := rand.Read(nonceBytes[:]); err != nil {
		conn.Close()
		return nil, err
	}
	nonce := hex.EncodeToString(nonceBytes[:])

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)
	_ = conn.SetDeadline(time.Now().Add(timeout))
	err = enc.Encode(hello{
		Node:  nodeID,
		Nonce: nonce,
		MAC:   admissionMAC(secret, nodeID, nonce),
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake send: %w", err)
	}
	var reply helloReply
	if err := dec.Decode(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake read: %w", err)
	}
	if reply.Error != "" {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, reply.Error)
	}
	_ = conn.SetDeadline(time.Time{})

	return &rpcClient{peer: reply.Node, conn: conn, enc: enc, dec: dec}, nil
}

// call invokes method with params, decoding the response into result when
// result is non-nil. Safe for concurrent use.
func (c *rpcClient) call(method string, params any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	req := request{Method: method, ID: c.nextID.Add(1), Params: raw}
	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	var resp response
	if err := c.dec.Decode(&resp); err != nil {
		return fmt.Errorf("read %s reply: %w", method, err)
	}
	if resp.Error != "" {
		return &remoteError{method: method, msg: resp.Error, code: resp.Code}
	}
	if result != nil && resp.Data != nil {
		if err := json.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("decode %s reply: %w", method, err)
		}
	}
	return nil
}

func (c *rpcClient) close() error { return c.conn.Close() }

// Error codes carried in the response Code field.
const (
	codeSeqGap       = "seq-gap"
	codeUnauthorized = "unauthorized"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, docstore.ErrSeqGap):
		return codeSeqGap
	case errors.Is(err, ErrUnauthorized):
		return codeUnauthorized
	default:
		return ""
	}
}

// remoteError carries a peer-side failure message and class.
type remoteError struct {
	method string
	msg    string
	code   string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.method, e.msg)
}

// Is maps wire error codes back to local sentinels so errors.Is works
// across the connection.
func (e *remoteError) Is(target error) bool {
	switch e.code {
	case codeSeqGap:
		return target == docstore.ErrSeqGap
	case codeUnauthorized:
		return target == ErrUnauthorized
	}
	return false
}

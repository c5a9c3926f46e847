// Package rpc implements the length-prefixed TCP wire protocol spec.md
// §6 defines: an 8-byte big-endian length prefix followed by a
// `command '|' content` payload, single concurrent client (a new
// connection evicts the current one), dispatched through a flat
// command-name registry.
//
// Not present in the teacher (bad has no network surface at all — its
// bin/bad talks to an in-process *debugger.Debugger directly). The
// error-wrapping convention (%w around every syscall/IO failure) is
// carried over from ptrace/server.go; the flat map[string]Handler
// registry mirrors that file's opType switch rather than introducing a
// heavier RPC framework, per spec.md §1's "dispatch is intentionally
// trivial".
package rpc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/aarch64rdbg/engine/logflags"
	"github.com/aarch64rdbg/engine/rdbg"
)

const maxPayloadSize = 64 * 1024 * 1024

// Handler adapts one RPC command to a *rdbg.Debugger method. dbg is nil
// until a launch/attach command has succeeded; handlers that require a
// live target must check for that themselves.
type Handler func(dbg *rdbg.Debugger, content []byte) ([]byte, error)

// Server owns the listening socket, the single active connection, and
// the command registry. Its mutex covers every field below, matching
// spec.md §5's "RPC server holds a mutex covering running, connected,
// socket descriptors, and the handler map" note.
type Server struct {
	mutex sync.Mutex

	listener net.Listener
	conn     net.Conn
	running  bool

	handlers map[string]Handler

	dbg *rdbg.Debugger
}

func NewServer() *Server {
	s := &Server{handlers: map[string]Handler{}}
	s.Register("ping", func(_ *rdbg.Debugger, content []byte) ([]byte, error) {
		return content, nil
	})
	RegisterDebuggerHandlers(s)
	return s
}

// Register installs (or replaces) the handler for a command name.
func (s *Server) Register(name string, handler Handler) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.handlers[name] = handler
}

// SetDebugger installs the live debugger instance handlers dispatch
// against. Called once launch/attach succeeds.
func (s *Server) SetDebugger(dbg *rdbg.Debugger) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.dbg = dbg
}

// Serve listens on addr (host:port) and services one client connection at
// a time until the listener is closed.
func (s *Server) Serve(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mutex.Lock()
	s.listener = listener
	s.running = true
	s.mutex.Unlock()

	logflags.RPCLogger().Debugf("listening on %s", addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mutex.Lock()
			running := s.running
			s.mutex.Unlock()
			if !running {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.replaceConnection(conn)
		s.serveConnection(conn)
	}
}

// Stop closes the listening socket, unblocking Serve's accept loop. Any
// in-flight command runs to completion.
func (s *Server) Stop() error {
	s.mutex.Lock()
	s.running = false
	listener := s.listener
	conn := s.conn
	s.mutex.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if listener != nil {
		return listener.Close()
	}
	return nil
}

// replaceConnection closes any previously active connection before
// installing the new one, per spec.md §6's "a new connection evicts the
// current one".
func (s *Server) replaceConnection(conn net.Conn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
		logflags.RPCLogger().Debugf("evicting existing client for %s", conn.RemoteAddr())
	}
	s.conn = conn
}

// serveConnection processes commands in strict receive order: each
// completes (success or failure) before the next is read, per spec.md
// §5's ordering guarantee. There is no per-request concurrency.
func (s *Server) serveConnection(conn net.Conn) {
	defer func() {
		s.mutex.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mutex.Unlock()
		_ = conn.Close()
	}()

	for {
		payload, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				logflags.RPCLogger().Debugf("connection error: %v", err)
			}
			return
		}

		reply := s.dispatch(payload)
		if err := writeFrame(conn, reply); err != nil {
			logflags.RPCLogger().Debugf("write error: %v", err)
			return
		}
	}
}

func (s *Server) dispatch(payload []byte) []byte {
	command, content := splitCommand(payload)

	s.mutex.Lock()
	handler, ok := s.handlers[command]
	dbg := s.dbg
	s.mutex.Unlock()

	if !ok {
		return encodeReply("error", []byte(fmt.Sprintf("unknown command %q", command)))
	}

	result, err := handler(dbg, content)
	if err != nil {
		return encodeReply("error", []byte(err.Error()))
	}
	return encodeReply("success", result)
}

// splitCommand divides payload at the first '|', per spec.md §6.
func splitCommand(payload []byte) (string, []byte) {
	for i, b := range payload {
		if b == '|' {
			return string(payload[:i]), payload[i+1:]
		}
	}
	return string(payload), nil
}

func encodeReply(command string, content []byte) []byte {
	out := make([]byte, 0, len(command)+1+len(content))
	out = append(out, command...)
	out = append(out, '|')
	out = append(out, content...)
	return out
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint64(lenBuf[:])
	if length > maxPayloadSize {
		return nil, fmt.Errorf("payload too large (%d bytes)", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return payload, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// Package broadcast implements the multi-client TCP fan-out endpoint. Every
// frame is written to every connected client. Slow or dead clients are
// dropped, never waited for.
//
// A Server is owned by one goroutine: the acquisition loop calls
// AcceptPending and Broadcast between sweeps. It is not safe for concurrent
// use.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/scanrelay/internal/fault"
	"github.com/banshee-data/scanrelay/internal/monitoring"
)

// Defaults applied to zero-valued Options fields.
const (
	DefaultMaxClients  = 4
	DefaultSendTimeout = 50 * time.Millisecond
	DefaultAcceptWait  = time.Millisecond
)

// Options tunes a Server.
type Options struct {
	// MaxClients bounds the slot table. A single-subscriber deployment is
	// MaxClients=1.
	MaxClients int
	// SendTimeout is the write deadline for one payload to one client. A
	// client that cannot take a payload within it is dropped.
	SendTimeout time.Duration
	// AcceptWait is the longest AcceptPending waits when no client is
	// pending.
	AcceptWait time.Duration
	// ReusePort sets SO_REUSEPORT on the listener. SO_REUSEADDR is always set.
	ReusePort bool
	// Logger receives connection events. Nil selects the process logger.
	Logger *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxClients <= 0 {
		o.MaxClients = DefaultMaxClients
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.AcceptWait <= 0 {
		o.AcceptWait = DefaultAcceptWait
	}
	return o
}

// AcceptKind describes the outcome of one AcceptPending call.
type AcceptKind uint8

const (
	// AcceptNone means no connection was pending.
	AcceptNone AcceptKind = iota
	// AcceptAdded means a client took a free slot.
	AcceptAdded
	// AcceptRejected means the slot table was full and the newcomer was
	// closed.
	AcceptRejected
)

func (k AcceptKind) String() string {
	switch k {
	case AcceptAdded:
		return "added"
	case AcceptRejected:
		return "rejected"
	default:
		return "none"
	}
}

// AcceptEvent is returned by AcceptPending. Slot is -1 unless Kind is
// AcceptAdded.
type AcceptEvent struct {
	Kind   AcceptKind
	Slot   int
	Remote string
}

// ClientInfo describes one occupied slot.
type ClientInfo struct {
	Slot      int       `json:"slot"`
	Remote    string    `json:"remote"`
	Since     time.Time `json:"since"`
	BytesSent uint64    `json:"bytes_sent"`
}

// Stats counts connection events since Open.
type Stats struct {
	Accepted     uint64 `json:"accepted"`
	Rejected     uint64 `json:"rejected"`
	Disconnected uint64 `json:"disconnected"`
	SendFailures uint64 `json:"send_failures"`
}

type slot struct {
	conn  *net.TCPConn
	info  ClientInfo
	inUse bool
}

// Server is a bound broadcast endpoint.
type Server struct {
	ln     *net.TCPListener
	opts   Options
	slots  []slot
	stats  Stats
	log    zerolog.Logger
	closed bool
}

// Open binds address:port and starts listening. Any failure is a
// fault.FatalStartup error.
func Open(address string, port int, opts Options) (*Server, error) {
	opts = opts.withDefaults()
	addr := net.JoinHostPort(address, strconv.Itoa(port))

	lc := net.ListenConfig{Control: listenControl(opts.ReusePort)}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fault.New(fault.FatalStartup, "listen "+addr, err)
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fault.New(fault.FatalStartup, "listen "+addr, fmt.Errorf("unexpected listener type %T", ln))
	}

	log := monitoring.Component("broadcast")
	if opts.Logger != nil {
		log = *opts.Logger
	}
	s := &Server{
		ln:    tl,
		opts:  opts,
		slots: make([]slot, opts.MaxClients),
		log:   log,
	}
	s.log.Info().Str("addr", tl.Addr().String()).Int("max_clients", opts.MaxClients).Msg("broadcast endpoint listening")
	return s, nil
}

// Addr returns the bound address. Port 0 in Open resolves to the real port.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// MaxClients returns the slot table size.
func (s *Server) MaxClients() int { return len(s.slots) }

// AcceptPending accepts at most one pending connection. It waits no longer
// than AcceptWait when nothing is pending.
func (s *Server) AcceptPending() (AcceptEvent, error) {
	none := AcceptEvent{Kind: AcceptNone, Slot: -1}
	if s.closed {
		return none, net.ErrClosed
	}
	if err := s.ln.SetDeadline(time.Now().Add(s.opts.AcceptWait)); err != nil {
		return none, fmt.Errorf("set accept deadline: %w", err)
	}
	conn, err := s.ln.AcceptTCP()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return none, nil
		}
		return none, fmt.Errorf("accept: %w", err)
	}

	remote := conn.RemoteAddr().String()
	i := s.freeSlot()
	if i < 0 {
		conn.Close()
		s.stats.Rejected++
		s.log.Warn().Str("remote", remote).Int("max_clients", len(s.slots)).Msg("client table full, connection refused")
		return AcceptEvent{Kind: AcceptRejected, Slot: -1, Remote: remote}, nil
	}

	s.slots[i] = slot{
		conn:  conn,
		inUse: true,
		info:  ClientInfo{Slot: i, Remote: remote, Since: time.Now()},
	}
	s.stats.Accepted++
	s.log.Info().Str("remote", remote).Int("slot", i).Int("clients", s.Count()).Msg("client connected")
	return AcceptEvent{Kind: AcceptAdded, Slot: i, Remote: remote}, nil
}

func (s *Server) freeSlot() int {
	for i := range s.slots {
		if !s.slots[i].inUse {
			return i
		}
	}
	return -1
}

// Broadcast writes p to every connected client in slot order. A client whose
// peer has gone away is closed silently. Any other write failure also closes
// that client, and the failures are returned together as one
// fault.ClientSend error. With no clients p is dropped and Broadcast
// returns nil.
func (s *Server) Broadcast(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	var errs []error
	for i := range s.slots {
		sl := &s.slots[i]
		if !sl.inUse {
			continue
		}
		err := s.send(sl, p)
		if err == nil {
			continue
		}
		remote := sl.info.Remote
		s.release(i)
		if isPeerGone(err) {
			s.stats.Disconnected++
			s.log.Info().Str("remote", remote).Int("slot", i).Msg("client disconnected")
			continue
		}
		s.stats.SendFailures++
		errs = append(errs, fmt.Errorf("slot %d (%s): %w", i, remote, err))
	}
	if len(errs) > 0 {
		return fault.New(fault.ClientSend, "broadcast", errors.Join(errs...))
	}
	return nil
}

func (s *Server) send(sl *slot, p []byte) error {
	if err := sl.conn.SetWriteDeadline(time.Now().Add(s.opts.SendTimeout)); err != nil {
		return err
	}
	n, err := sl.conn.Write(p)
	sl.info.BytesSent += uint64(n)
	return err
}

func (s *Server) release(i int) {
	if s.slots[i].conn != nil {
		s.slots[i].conn.Close()
	}
	s.slots[i] = slot{}
}

// Count returns the number of connected clients.
func (s *Server) Count() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].inUse {
			n++
		}
	}
	return n
}

// Clients returns a snapshot of the occupied slots.
func (s *Server) Clients() []ClientInfo {
	out := make([]ClientInfo, 0, len(s.slots))
	for i := range s.slots {
		if s.slots[i].inUse {
			out = append(out, s.slots[i].info)
		}
	}
	return out
}

// Stats returns connection counters.
func (s *Server) Stats() Stats { return s.stats }

// Close shuts the listener and every client. Calling it again is a no-op.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.ln.Close()
	for i := range s.slots {
		if s.slots[i].inUse {
			s.release(i)
		}
	}
	s.log.Info().Msg("broadcast endpoint closed")
	return err
}

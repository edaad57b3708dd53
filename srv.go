package objlink

// srv.go: TCP server, with optional TLS encryption.
//
// The server accepts sockets, runs the credential exchange on the
// framed protocol before anything else, and only then turns on
// background listening for the new peer. Controllers registered on
// the server are visible to every accepted connection.

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"
)

// Server accepts many clients and keeps the live peer list.
type Server struct {
	cfg *Config

	mut   sync.Mutex
	lsn   net.Listener
	peers map[*Conn]bool

	ctrls        []func(c *Conn) // template registrations replayed per peer
	connectedObs []func(c *Conn)

	halt *idem.Halter
}

func NewServer(config *Config) *Server {
	var cfg *Config
	if config != nil {
		clone := *config
		cfg = &clone
	} else {
		cfg = NewConfig()
	}
	cfg.fillDefaults()
	return &Server{
		cfg:   cfg,
		peers: make(map[*Conn]bool),
		halt:  idem.NewHalter(),
	}
}

// Start listens on cfg.ServerAddr (":0" picks a free port) and
// begins accepting. The bound address is returned.
func (s *Server) Start() (net.Addr, error) {
	addr := s.cfg.ServerAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	var lsn net.Listener
	var err error
	if s.cfg.TCPonly_no_TLS {
		lsn, err = net.Listen("tcp", addr)
	} else {
		var tc *tls.Config
		tc, err = loadServerTLSConfig(s.cfg)
		if err != nil {
			return nil, &ConnectionOpenError{Addr: addr, Cause: err}
		}
		lsn, err = tls.Listen("tcp", addr, tc)
	}
	if err != nil {
		return nil, &ConnectionOpenError{Addr: addr, Cause: err}
	}
	s.mut.Lock()
	s.lsn = lsn
	s.mut.Unlock()
	go s.acceptLoop(lsn)
	return lsn.Addr(), nil
}

func (s *Server) acceptLoop(lsn net.Listener) {
	defer s.halt.Done.Close()
	for {
		conn, err := lsn.Accept()
		if err != nil {
			select {
			case <-s.halt.ReqStop.Chan:
				return
			default:
			}
			vv("server: accept failed: %v", err)
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(nc net.Conn) {
	if tc, ok := nc.(*tls.Conn); ok {
		// the handshake is lazy on first read; force it now so a bad
		// certificate never reaches the credential exchange, and cap
		// it so a stalled peer cannot hang us.
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		err := tc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			vv("server: TLS handshake with %v failed: %v", nc.RemoteAddr(), err)
			nc.Close()
			return
		}
	}

	c := newConn(s.cfg, nc)
	identity, err := s.authenticate(c)
	if err != nil {
		vv("server: rejecting %v: %v", nc.RemoteAddr(), err)
		c.Close()
		return
	}
	c.identity = identity
	if err := c.WriteObject(true); err != nil {
		c.Close()
		return
	}

	s.mut.Lock()
	for _, apply := range s.ctrls {
		apply(c)
	}
	obs := append([]func(*Conn){}, s.connectedObs...)
	s.peers[c] = true
	s.mut.Unlock()

	c.OnClosed(func(error) {
		s.mut.Lock()
		delete(s.peers, c)
		s.mut.Unlock()
	})
	for _, fn := range obs {
		fn(c)
	}
	c.SetListening(true)
}

// authenticate runs the credential exchange: one frame from the
// client, which must be a Credentials object or Empty/DBNull for
// anonymous. A panicking callback rejects the peer rather than
// killing the server.
func (s *Server) authenticate(c *Conn) (identity string, err error) {
	v, err := c.readHandshake()
	if err != nil {
		return "", &AuthError{Reason: "credentials frame unreadable: " + err.Error()}
	}
	var creds *Credentials
	if v != nil {
		var ok bool
		creds, ok = v.(*Credentials)
		if !ok {
			return "", &AuthError{Reason: "handshake frame was not a credentials object"}
		}
	}
	auth := s.cfg.Authenticate
	if auth == nil {
		if creds != nil {
			return creds.UserName, nil
		}
		return "", nil
	}
	defer func() {
		if r := recover(); r != nil {
			identity = ""
			err = &AuthError{Reason: "authenticate callback panicked"}
		}
	}()
	identity, aerr := auth(creds, c.RemoteAddr())
	if aerr != nil {
		return "", &AuthError{Reason: aerr.Error()}
	}
	return identity, nil
}

// Use registers a controller instance on every current and future
// peer connection.
func (s *Server) Use(id string, instance any) {
	s.register(func(c *Conn) { c.Use(id, instance) })
}

// UseFunc registers a per-connection constructor: each peer gets its
// own instance, built on first call.
func (s *Server) UseFunc(id string, ctor func() any) {
	s.register(func(c *Conn) { c.UseFunc(id, ctor) })
}

// UsePeerFunc registers a peer-aware factory on every connection.
func (s *Server) UsePeerFunc(id string, factory func(peer *Conn) any) {
	s.register(func(c *Conn) { c.UsePeerFunc(id, factory) })
}

func (s *Server) register(apply func(c *Conn)) {
	s.mut.Lock()
	s.ctrls = append(s.ctrls, apply)
	for c := range s.peers {
		apply(c)
	}
	s.mut.Unlock()
}

// OnConnected registers fn to run for each newly authenticated peer,
// before its background listening starts.
func (s *Server) OnConnected(fn func(c *Conn)) (cancel func()) {
	s.mut.Lock()
	s.connectedObs = append(s.connectedObs, fn)
	idx := len(s.connectedObs) - 1
	s.mut.Unlock()
	return func() {
		s.mut.Lock()
		s.connectedObs[idx] = func(*Conn) {}
		s.mut.Unlock()
	}
}

// Peers snapshots the live, authenticated connections.
func (s *Server) Peers() []*Conn {
	s.mut.Lock()
	defer s.mut.Unlock()
	out := make([]*Conn, 0, len(s.peers))
	for c := range s.peers {
		out = append(out, c)
	}
	return out
}

// Close stops accepting. With DisconnectClientsOnDispose (the
// default) every live peer connection is closed too.
func (s *Server) Close() error {
	s.halt.ReqStop.Close()
	s.mut.Lock()
	lsn := s.lsn
	s.lsn = nil
	var peers []*Conn
	if s.cfg.DisconnectClientsOnDispose {
		for c := range s.peers {
			peers = append(peers, c)
		}
		s.peers = make(map[*Conn]bool)
	}
	s.mut.Unlock()
	if lsn != nil {
		lsn.Close()
	}
	for _, c := range peers {
		c.Close()
	}
	return nil
}

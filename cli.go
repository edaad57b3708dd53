package objlink

// cli.go: TCP client, with optional TLS encryption.
//
// A Client dials one server, runs the credential exchange, and then
// is a thin facade over its Conn: Send, foreground Read, controller
// proxies, and the connection events.

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// Client is one authenticated connection to a server.
type Client struct {
	*Conn

	cfg  *Config
	name string
}

// NewClient dials cfg.ServerAddr, presents cfg.Credentials, and
// waits for the server's acknowledgment. name is only for logs.
func NewClient(name string, config *Config) (*Client, error) {
	var cfg *Config
	if config != nil {
		clone := *config
		cfg = &clone
	} else {
		return nil, &ConnectionOpenError{Cause: errMissingAddr}
	}
	cfg.fillDefaults()
	if cfg.ServerAddr == "" {
		return nil, &ConnectionOpenError{Cause: errMissingAddr}
	}

	nc, err := dial(cfg)
	if err != nil {
		return nil, &ConnectionOpenError{Addr: cfg.ServerAddr, Cause: err}
	}
	la := nc.LocalAddr()
	cfg.LocalAddress = la.Network() + "://" + la.String()

	c := newConn(cfg, nc)
	if err := shakeHands(c, cfg.Credentials); err != nil {
		c.Close()
		return nil, err
	}
	if cfg.Listening {
		c.SetListening(true)
	}
	vv("client %v connected to %v as %v", name, cfg.ServerAddr, c.connID)
	return &Client{Conn: c, cfg: cfg, name: name}, nil
}

func dial(cfg *Config) (net.Conn, error) {
	if cfg.TCPonly_no_TLS {
		if cfg.ConnectTimeout > 0 {
			return net.DialTimeout("tcp", cfg.ServerAddr, cfg.ConnectTimeout)
		}
		return net.Dial("tcp", cfg.ServerAddr)
	}
	tc, err := loadClientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if cfg.ConnectTimeout > 0 {
		ctx2, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		ctx = ctx2
	}
	d := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    tc,
	}
	return d.DialContext(ctx, "tcp", cfg.ServerAddr)
}

// shakeHands writes the single credentials frame (Empty when creds
// is nil) and reads the single boolean acknowledgment. Anything but
// true is a rejection.
func shakeHands(c *Conn, creds *Credentials) error {
	var v any
	if creds != nil {
		v = creds
	}
	if err := c.WriteObject(v); err != nil {
		return &AuthError{Reason: "could not send credentials: " + err.Error()}
	}
	ack, err := c.readHandshake()
	if err != nil {
		return &AuthError{Reason: "no acknowledgment: " + err.Error()}
	}
	ok, isBool := ack.(bool)
	if !isBool || !ok {
		return &AuthError{Reason: "server refused the credentials"}
	}
	return nil
}

// Send transmits one application object; it is WriteObject under a
// facade name matching the send-and-forget call sites.
func (c *Client) Send(v any) error {
	return c.WriteObject(v)
}

// Read returns the next application object in the foreground; only
// legal while background listening is off.
func (c *Client) Read() (any, error) {
	return c.ReadObject()
}

var errMissingAddr = fmt.Errorf("missing config.ServerAddr to connect to")

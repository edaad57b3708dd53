package objlink

// config.go: who to contact (client) or where to listen (server),
// and how frames are encoded once connected.

import (
	"time"
)

const maxMessageDefault = 1024 * 1024 // 1MB frame ceiling

// Config configures a Server or Client. NewConfig fills in the
// defaults listed on each field. A hand-built Config gets Encoding,
// Registry, Serializer and MaxMessageBytes filled in when zero; its
// boolean fields keep the value they were given.
type Config struct {

	// ServerAddr host:port of the server to contact (client side),
	// or the listen address (server side).
	ServerAddr string

	// TCP false means TLS-1.2/1.3 secured. true here means do TCP only.
	TCPonly_no_TLS bool

	// CertPath points at a directory holding ca.crt and the
	// key pair named by KeyPairName. Ignored under TCPonly_no_TLS.
	CertPath string

	// SkipVerifyKeys true allows any incoming certificate without
	// chain verification. Test use only.
	SkipVerifyKeys bool

	// KeyPairName defaults to "client" on clients and "node" on
	// servers: CertPath/<name>.crt and CertPath/<name>.key.
	KeyPairName string

	// These are timeouts for connection and transport tuning.
	// The defaults of 0 mean wait forever.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	LocalAddress string

	// Encoding is the codepage used for text fields in frames we
	// send. Readers always honor the codepage each incoming frame
	// declares. Default CodePageUTF8.
	Encoding int32

	// Serializer encodes Object payloads. Default: JSON over the
	// configured Registry.
	Serializer Serializer

	// Registry resolves wire type names. Default: the shared
	// DefaultRegistry(). Clone it for a private view.
	Registry *TypeRegistry

	// DisconnectClientsOnDispose true (the default) makes
	// Server.Close also close every live peer connection.
	DisconnectClientsOnDispose bool

	// Listening true (the NewConfig default) starts the client's
	// background receiver right after the credential exchange, which
	// also services responses to outgoing remote calls. Set false to
	// read in the foreground with ReadObject; remote calls then only
	// complete while a foreground read is in progress.
	Listening bool

	// MaxMessageBytes bounds a single frame's content. Default 1MB.
	MaxMessageBytes int

	// Authenticate is the server's credential check. nil accepts
	// anybody, recording the presented UserName as the identity, or ""
	// for an anonymous peer.
	Authenticate AuthFunc

	// Credentials is what the client presents during the handshake.
	// nil sends an anonymous (Empty) frame.
	Credentials *Credentials
}

// NewConfig returns a Config with the package defaults applied.
// Building the first Config freezes the shared default registry
// (see RegisterType).
func NewConfig() *Config {
	freezeDefaults()
	reg := DefaultRegistry()
	return &Config{
		Encoding:                   CodePageUTF8,
		Registry:                   reg,
		Serializer:                 NewJSONSerializer(reg),
		DisconnectClientsOnDispose: true,
		Listening:                  true,
		MaxMessageBytes:            maxMessageDefault,
	}
}

func timeoutPtr(d time.Duration) *time.Duration {
	if d <= 0 {
		return nil
	}
	return &d
}

// fillDefaults patches any zero fields a hand-built Config left out.
func (cfg *Config) fillDefaults() {
	if cfg.Encoding == 0 {
		cfg.Encoding = CodePageUTF8
	}
	if cfg.Registry == nil {
		freezeDefaults()
		cfg.Registry = DefaultRegistry()
	} else {
		// the envelope types must resolve on every registry.
		registerBuiltins(cfg.Registry)
	}
	if cfg.Serializer == nil {
		cfg.Serializer = NewJSONSerializer(cfg.Registry)
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = maxMessageDefault
	}
}

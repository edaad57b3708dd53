package objlink

// auth.go: the credential exchange that gates every connection.
//
// Immediately after TCP/TLS establishment the client writes one
// Credentials frame (or Empty for anonymous); the server answers with
// a single boolean frame, true on accept. Neither frame is ever seen
// by application readers.

import (
	cryrand "crypto/rand"
	"fmt"
	"net"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
)

const credsTypeName = "objlink.Credentials, objlink"

// Credentials travel once, inside the handshake frame. Any field may
// be empty.
type Credentials struct {
	UserName string `json:"userName"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

// AuthFunc decides whether a peer may stay. creds is nil when the
// client sent an anonymous (Empty/DBNull) frame. The returned
// identity string is recorded on the connection. A non-nil error, or
// a panic, rejects the peer.
type AuthFunc func(creds *Credentials, raddr net.Addr) (identity string, err error)

// TokenDigest hashes a token for at-rest comparison, so servers can
// hold digests instead of raw tokens.
func TokenDigest(token string) string {
	h := blake3.New(64, nil)
	h.Write([]byte(token))
	sum := h.Sum(nil)
	return "blake3.33B-" + cristalbase64.URLEncoding.EncodeToString(sum[:33])
}

// TokenAuthenticator accepts any peer presenting a token whose
// digest matches. The identity is the presented UserName.
func TokenAuthenticator(digest string) AuthFunc {
	return func(creds *Credentials, raddr net.Addr) (string, error) {
		if creds == nil {
			return "", fmt.Errorf("anonymous peer refused")
		}
		if TokenDigest(creds.Token) != digest {
			return "", fmt.Errorf("bad token")
		}
		return creds.UserName, nil
	}
}

// AllowAnonymous admits every peer, named or not.
func AllowAnonymous() AuthFunc {
	return func(creds *Credentials, raddr net.Addr) (string, error) {
		if creds == nil {
			return "anonymous", nil
		}
		return creds.UserName, nil
	}
}

// newConnID labels a connection for logs.
func newConnID() string {
	var random [21]byte
	cryrand.Read(random[:])
	return cristalbase64.URLEncoding.EncodeToString(random[:])
}

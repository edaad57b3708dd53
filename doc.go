// Package objlink is a lightweight TCP object-messaging library with
// remote method invocation.
//
// A server accepts many clients; a client dials one server. After a
// framed credential exchange (optionally under TLS 1.2/1.3), the two
// peers hold a single long-lived connection over which either side
// can send typed objects, receive them in the foreground with
// ReadObject or in the background through OnReceived callbacks, and
// invoke methods on controllers the other side registered.
//
// A minimal round trip:
//
//	cfg := objlink.NewConfig()
//	cfg.TCPonly_no_TLS = true
//
//	srv := objlink.NewServer(cfg)
//	defer srv.Close()
//	addr, err := srv.Start()
//	// srv.Use("demo.IAdd, demo", &Adder{})
//
//	cfg.ServerAddr = addr.String()
//	cli, err := objlink.NewClient("cli", cfg)
//	defer cli.Close()
//
//	add := cli.GetController("demo.IAdd, demo")
//	sum, err := objlink.CallRemote[int](ctx, add, "Add", 2, 3)
//
// Controllers are named by opaque identifier strings of the form
// "<full type name>, <module name>"; peers compare them only for
// equality. Method calls are correlated by per-connection message
// ids, so any number of invocations may be in flight concurrently in
// both directions on the one socket.
package objlink

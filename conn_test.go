package objlink

import (
	"errors"
	"net"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

type unsendable struct {
	C chan int `json:"c"`
}

func Test040_listening_toggle_keeps_one_receiver(t *testing.T) {

	cv.Convey("toggling listening off and on again should keep delivering; the replacement loop takes over at the next frame boundary", t, func() {

		cfg := NewConfig()
		cfg.TCPonly_no_TLS = true

		srv := NewServer(cfg)
		defer srv.Close()

		got := make(chan any, 10)
		peers := make(chan *Conn, 1)
		srv.OnConnected(func(c *Conn) {
			c.OnReceived(func(v any) { got <- v })
			peers <- c
		})

		serverAddr, err := srv.Start()
		panicOn(err)
		cfg.ServerAddr = serverAddr.String()

		cli, err := NewClient("test040", cfg)
		panicOn(err)
		defer cli.Close()

		var sc *Conn
		select {
		case sc = <-peers:
		case <-time.After(5 * time.Second):
			t.Fatal("no authenticated peer")
		}

		panicOn(cli.Send("one"))
		cv.So(waitAny(t, got, "first delivery"), cv.ShouldEqual, "one")

		sc.SetListening(false)
		sc.SetListening(true)

		// across the toggle boundary the outgoing loop may deliver its
		// final frame while the replacement starts; both arrive, order
		// between exactly those two is not promised.
		panicOn(cli.Send("two"))
		panicOn(cli.Send("three"))
		seen := map[any]bool{
			waitAny(t, got, "post-toggle delivery"): true,
			waitAny(t, got, "post-toggle delivery"): true,
		}
		cv.So(seen["two"], cv.ShouldBeTrue)
		cv.So(seen["three"], cv.ShouldBeTrue)
	})
}

func Test041_local_serialization_error_leaves_connection_healthy(t *testing.T) {

	cv.Convey("an application payload that will not serialize should error the one WriteObject and nothing else", t, func() {

		cfg := NewConfig()
		cfg.TCPonly_no_TLS = true

		srv := NewServer(cfg)
		defer srv.Close()

		got := make(chan any, 10)
		srv.OnConnected(func(c *Conn) {
			c.OnReceived(func(v any) { got <- v })
		})

		serverAddr, err := srv.Start()
		panicOn(err)
		cfg.ServerAddr = serverAddr.String()

		cli, err := NewClient("test041", cfg)
		panicOn(err)
		defer cli.Close()

		err = cli.Send(&unsendable{C: make(chan int)})
		var se *SerializationError
		cv.So(err, cv.ShouldNotBeNil)
		cv.So(errors.As(err, &se), cv.ShouldBeTrue)
		cv.So(cli.isDisposed(), cv.ShouldBeFalse)

		panicOn(cli.Send("recovered"))
		cv.So(waitAny(t, got, "delivery after local error"), cv.ShouldEqual, "recovered")
	})
}

func Test042_observer_disposers_unregister(t *testing.T) {

	cv.Convey("the func returned by OnReceived should remove exactly that observer", t, func() {

		cfg := NewConfig()
		cfg.TCPonly_no_TLS = true

		srv := NewServer(cfg)
		defer srv.Close()

		keep := make(chan any, 10)
		drop := make(chan any, 10)
		peers := make(chan *Conn, 1)
		srv.OnConnected(func(c *Conn) {
			c.OnReceived(func(v any) { keep <- v })
			cancel := c.OnReceived(func(v any) { drop <- v })
			cancel()
			peers <- c
		})

		serverAddr, err := srv.Start()
		panicOn(err)
		cfg.ServerAddr = serverAddr.String()

		cli, err := NewClient("test042", cfg)
		panicOn(err)
		defer cli.Close()

		<-peers
		panicOn(cli.Send("only-once"))
		cv.So(waitAny(t, keep, "kept observer"), cv.ShouldEqual, "only-once")
		cv.So(len(drop), cv.ShouldEqual, 0)
	})
}

func Test043_message_ids_increase_monotonically(t *testing.T) {

	cv.Convey("each connection hands out increasing message ids, with zero reserved as none", t, func() {

		cfg := NewConfig()
		cfg.TCPonly_no_TLS = true
		p1, p2 := net.Pipe()
		defer p1.Close()
		defer p2.Close()
		c := newConn(cfg, p1)
		defer c.Close()
		cv.So(c.nextID(), cv.ShouldEqual, int32(1))
		cv.So(c.nextID(), cv.ShouldEqual, int32(2))
		cv.So(c.nextID(), cv.ShouldEqual, int32(3))
	})
}

func Test044_operations_after_close_fail_disposed(t *testing.T) {

	cv.Convey("once closed, reads and writes report the connection disposed and OnClosed fires immediately for late registrations", t, func() {

		cfg := NewConfig()
		cfg.TCPonly_no_TLS = true

		srv := NewServer(cfg)
		defer srv.Close()
		serverAddr, err := srv.Start()
		panicOn(err)
		cfg.ServerAddr = serverAddr.String()

		cli, err := NewClient("test044", cfg)
		panicOn(err)
		cli.Close()

		cv.So(cli.Send("nope"), cv.ShouldEqual, ErrDisposed)
		_, err = cli.ReadObject()
		cv.So(err, cv.ShouldEqual, ErrDisposed)

		fired := make(chan error, 1)
		cli.OnClosed(func(e error) { fired <- e })
		cv.So(waitErr(t, fired, "immediate OnClosed"), cv.ShouldBeNil)
	})
}

package objlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

const adderID = "demo.IAdd, demo"
const shoutID = "demo.IShout, demo"
const gateID = "demo.IGate, demo"

type adder struct{}

func (a *adder) Add(x, y int) int { return x + y }

func (a *adder) Fail(reason string) (int, error) {
	return 0, fmt.Errorf("refusing on purpose: %v", reason)
}

func (a *adder) Boom() { panic("kaboom") }

type shouter struct{}

func (s *shouter) Shout(ctx context.Context, msg string) string {
	_ = ctx
	return msg + "!!"
}

type gate struct {
	open chan struct{}
}

func (g *gate) Wait() bool {
	<-g.open
	return true
}

// rmiPair stands up a TCP server owning an adder controller and one
// connected client, both listening.
func rmiPair(t *testing.T, name string) (*Server, *Client, *Conn) {
	t.Helper()

	cfg := NewConfig()
	cfg.TCPonly_no_TLS = true

	srv := NewServer(cfg)
	srv.Use(adderID, &adder{})

	peers := make(chan *Conn, 1)
	srv.OnConnected(func(c *Conn) { peers <- c })

	serverAddr, err := srv.Start()
	panicOn(err)
	cfg.ServerAddr = serverAddr.String()

	cli, err := NewClient(name, cfg)
	panicOn(err)

	var sc *Conn
	select {
	case sc = <-peers:
	case <-time.After(5 * time.Second):
		t.Fatal("no authenticated peer")
	}
	return srv, cli, sc
}

func Test050_rmi_success(t *testing.T) {

	cv.Convey("calling Add(2,3) on the remote controller should return 5 and leave the call table empty", t, func() {

		srv, cli, _ := rmiPair(t, "test050")
		defer srv.Close()
		defer cli.Close()

		add := cli.GetController(adderID)
		sum, err := CallRemote[int](context.Background(), add, "Add", 2, 3)
		panicOn(err)
		cv.So(sum, cv.ShouldEqual, 5)
		cv.So(cli.calls.len(), cv.ShouldEqual, 0)

		// the proxy is cached per connection.
		cv.So(cli.GetController(adderID) == add, cv.ShouldBeTrue)
	})
}

func Test051_method_not_found_leaves_the_connection_alive(t *testing.T) {

	cv.Convey("calling Add with float arguments should raise MethodNotFound; a following Add(1,1) still returns 2", t, func() {

		srv, cli, _ := rmiPair(t, "test051")
		defer srv.Close()
		defer cli.Close()

		add := cli.GetController(adderID)
		_, err := CallRemote[float64](context.Background(), add, "Add", 2.0, 3.0)
		var ie *InvocationError
		cv.So(errors.As(err, &ie), cv.ShouldBeTrue)
		cv.So(ie.Code, cv.ShouldEqual, CodeMethodNotFound)

		sum, err := CallRemote[int](context.Background(), add, "Add", 1, 1)
		panicOn(err)
		cv.So(sum, cv.ShouldEqual, 2)
	})
}

func Test052_controller_not_found(t *testing.T) {

	cv.Convey("an unregistered controller identifier should come back as ControllerNotFound", t, func() {

		srv, cli, _ := rmiPair(t, "test052")
		defer srv.Close()
		defer cli.Close()

		ghost := cli.GetController("demo.IGhost, demo")
		_, err := ghost.Call(context.Background(), "Whoo")
		var ie *InvocationError
		cv.So(errors.As(err, &ie), cv.ShouldBeTrue)
		cv.So(ie.Code, cv.ShouldEqual, CodeControllerNotFound)
	})
}

func Test053_method_errors_and_panics_travel_back(t *testing.T) {

	cv.Convey("a controller error return, and a controller panic, should both surface as MethodInvokeException with the remote text", t, func() {

		srv, cli, _ := rmiPair(t, "test053")
		defer srv.Close()
		defer cli.Close()

		add := cli.GetController(adderID)

		_, err := CallRemote[int](context.Background(), add, "Fail", "testing")
		var ie *InvocationError
		cv.So(errors.As(err, &ie), cv.ShouldBeTrue)
		cv.So(ie.Code, cv.ShouldEqual, CodeMethodInvokeException)
		cv.So(ie.Remote, cv.ShouldContainSubstring, "refusing on purpose: testing")

		_, err = add.Call(context.Background(), "Boom")
		cv.So(errors.As(err, &ie), cv.ShouldBeTrue)
		cv.So(ie.Code, cv.ShouldEqual, CodeMethodInvokeException)
		cv.So(ie.Remote, cv.ShouldContainSubstring, "kaboom")
		cv.So(ie.Stack, cv.ShouldContainSubstring, "panic")
	})
}

func Test054_interleaved_calls_correlate_by_id(t *testing.T) {

	cv.Convey("100 concurrent Add(i,i) calls should each get back 2*i, no value skipped or duplicated", t, func() {

		srv, cli, _ := rmiPair(t, "test054")
		defer srv.Close()
		defer cli.Close()

		add := cli.GetController(adderID)
		const n = 100
		results := make([]int, n)
		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func(i int) {
				defer wg.Done()
				sum, err := CallRemote[int](context.Background(), add, "Add", i, i)
				panicOn(err)
				results[i] = sum
			}(i)
		}
		wg.Wait()
		for i := 0; i < n; i++ {
			cv.So(results[i], cv.ShouldEqual, 2*i)
		}
		cv.So(cli.calls.len(), cv.ShouldEqual, 0)
	})
}

func Test055_client_serves_calls_from_the_server(t *testing.T) {

	cv.Convey("the server can invoke a controller the client registered, including a context-taking method", t, func() {

		srv, cli, sc := rmiPair(t, "test055")
		defer srv.Close()
		defer cli.Close()

		cli.Use(shoutID, &shouter{})

		shout := sc.GetController(shoutID)
		out, err := CallRemote[string](context.Background(), shout, "Shout", "hey")
		panicOn(err)
		cv.So(out, cv.ShouldEqual, "hey!!")
	})
}

func Test056_close_cancels_outstanding_calls(t *testing.T) {

	cv.Convey("killing the transport mid-call should complete every pending call with OperationCancelled, and further writes fail disposed", t, func() {

		srv, cli, _ := rmiPair(t, "test056")
		defer srv.Close()
		defer cli.Close()

		g := &gate{open: make(chan struct{})}
		srv.Use(gateID, g)

		gc := cli.GetController(gateID)
		errCh := make(chan error, 1)
		go func() {
			_, err := gc.Call(context.Background(), "Wait")
			errCh <- err
		}()

		// let the request reach the server, then cut the socket.
		time.Sleep(100 * time.Millisecond)
		cli.nc.Close()

		err := waitErr(t, errCh, "cancelled call")
		cv.So(Cancelled(err), cv.ShouldBeTrue)
		cv.So(cli.calls.len(), cv.ShouldEqual, 0)

		werr := cli.Send("too late")
		cv.So(werr, cv.ShouldNotBeNil)

		close(g.open)
	})
}

func Test057_caller_context_cancellation(t *testing.T) {

	cv.Convey("a caller's context deadline should abandon just that call; the connection keeps working", t, func() {

		srv, cli, _ := rmiPair(t, "test057")
		defer srv.Close()
		defer cli.Close()

		g := &gate{open: make(chan struct{})}
		srv.Use(gateID, g)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := cli.GetController(gateID).Call(ctx, "Wait")
		cv.So(Cancelled(err), cv.ShouldBeTrue)
		cv.So(cli.calls.len(), cv.ShouldEqual, 0)
		close(g.open)

		sum, err := CallRemote[int](context.Background(), cli.GetController(adderID), "Add", 4, 4)
		panicOn(err)
		cv.So(sum, cv.ShouldEqual, 8)
	})
}

func Test058_constructor_controllers_memoize(t *testing.T) {

	cv.Convey("a UseFunc constructor should run once; the resolved instance serves every later call", t, func() {

		cfg := NewConfig()
		cfg.TCPonly_no_TLS = true

		srv := NewServer(cfg)
		defer srv.Close()

		var built int
		var mut sync.Mutex
		srv.UseFunc(adderID, func() any {
			mut.Lock()
			built++
			mut.Unlock()
			return &adder{}
		})

		serverAddr, err := srv.Start()
		panicOn(err)
		cfg.ServerAddr = serverAddr.String()

		cli, err := NewClient("test058", cfg)
		panicOn(err)
		defer cli.Close()

		add := cli.GetController(adderID)
		for i := 0; i < 3; i++ {
			sum, err := CallRemote[int](context.Background(), add, "Add", i, 1)
			panicOn(err)
			cv.So(sum, cv.ShouldEqual, i+1)
		}
		mut.Lock()
		cv.So(built, cv.ShouldEqual, 1)
		mut.Unlock()
	})
}

func Test059_untyped_invoke(t *testing.T) {

	cv.Convey("the untyped Invoke entry point should return the generic JSON mapping of the result", t, func() {

		srv, cli, _ := rmiPair(t, "test059")
		defer srv.Close()
		defer cli.Close()

		v, err := cli.Invoke(context.Background(), adderID, "Add", 20, 22)
		panicOn(err)
		cv.So(v, cv.ShouldEqual, float64(42))
	})
}

package objlink

// conn.go: the duplex framed object connection.
//
// One Conn owns one connected byte stream. Three primitives:
// WriteObject, ReadObject (foreground), and SetListening(true) which
// delivers incoming application objects through OnReceived callbacks.
// The RMI engine (rmi.go) and controller dispatch (controller.go)
// ride the same read path; callers never see their frames.
//
// Locking: one mutex for every byte written, one for every frame
// decoded. The call table, controller set, proxy cache and observer
// maps each have their own lock, and none of those four is taken
// while another of them is held. The read mutex is held while the
// call table is updated, and a failed write holds the write mutex
// through shutdown, which takes the call table and observer locks.

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/glycerine/idem"
)

type connState int32

const (
	stateEstablished connState = iota + 1
	stateListening
	stateClosing
	stateClosed
	stateBroken
)

// Conn is an established, authenticated connection to one peer.
type Conn struct {
	cfg *Config
	nc  net.Conn
	fr  *Framer

	connID string

	ctx  context.Context
	canc context.CancelFunc
	halt *idem.Halter

	writeMut sync.Mutex // serializes every byte emitted
	readMut  sync.Mutex // serializes every frame decode

	lastID atomic.Int32 // monotonic per-connection; 0 reserved as "none"
	state  atomic.Int32

	calls   *callTable
	ctrls   *controllerSet
	proxMut sync.Mutex
	proxies map[string]*RemoteController

	obsMut     sync.Mutex
	nextObsID  int
	recvObs    map[int]func(v any)
	recvErrObs map[int]func(err error)
	closedObs  map[int]func(err error)

	listenMut sync.Mutex
	listening bool
	listenGen int

	identity string
	closeErr error
	shutOnce sync.Once
}

// newConn wraps an already-handshaken byte stream. The connection
// starts in Established.
func newConn(cfg *Config, nc net.Conn) *Conn {
	ctx, canc := context.WithCancel(context.Background())
	c := &Conn{
		cfg:        cfg,
		nc:         nc,
		fr:         newFramer(cfg),
		connID:     newConnID(),
		ctx:        ctx,
		canc:       canc,
		halt:       idem.NewHalter(),
		calls:      newCallTable(),
		ctrls:      newControllerSet(),
		proxies:    make(map[string]*RemoteController),
		recvObs:    make(map[int]func(v any)),
		recvErrObs: make(map[int]func(err error)),
		closedObs:  make(map[int]func(err error)),
	}
	c.state.Store(int32(stateEstablished))
	return c
}

func (c *Conn) LocalAddr() net.Addr  { return c.nc.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Identity is the name the authentication handler assigned this peer;
// empty on the client side.
func (c *Conn) Identity() string { return c.identity }

// Context is cancelled when the connection closes or breaks.
func (c *Conn) Context() context.Context { return c.ctx }

func (c *Conn) isDisposed() bool {
	s := connState(c.state.Load())
	return s == stateClosed || s == stateBroken
}

func (c *Conn) nextID() int32 { return c.lastID.Add(1) }

// WriteObject sends a single application frame. A serialization
// failure surfaces to the caller and leaves the connection healthy;
// a transport failure breaks the connection.
func (c *Conn) WriteObject(v any) error {
	return c.writeTracked(0, 0, v)
}

// writeTracked emits one frame with the given correlation ids.
// Serialization happens under the write mutex so frames hit the wire
// in the order their writes were started.
func (c *Conn) writeTracked(msgID, inResponseToID int32, v any) error {
	if c.isDisposed() {
		return ErrDisposed
	}
	c.writeMut.Lock()
	defer c.writeMut.Unlock()
	if c.isDisposed() {
		return ErrDisposed
	}
	f, err := c.fr.encodeFrame(msgID, inResponseToID, v)
	if err != nil {
		// local encode trouble; nothing hit the wire.
		return err
	}
	err = c.fr.writeFrame(c.nc, f, timeoutPtr(c.cfg.WriteTimeout))
	if err == nil {
		return nil
	}
	if _, transport := err.(*ConnectionBrokenError); !transport {
		// oversize frame or an unencodable type name; no bytes written.
		return err
	}
	if c.ctx.Err() != nil {
		// cancellation raced shutdown.
		return &ConnectionBrokenError{Cause: err}
	}
	pe := &ProtocolError{Detail: "write failed mid-frame: " + err.Error()}
	c.fail(pe)
	return pe
}

// ReadObject returns the next application object in the foreground.
// RMI and control frames arriving first are handled internally. It
// must not be used while background listening is on.
func (c *Conn) ReadObject() (any, error) {
	if c.isDisposed() {
		return nil, ErrDisposed
	}
	if c.Listening() {
		return nil, ErrForegroundRead
	}
	for {
		v, app, err := c.readOne()
		if err != nil {
			if err == ErrDisposed {
				return nil, err
			}
			if err == errRemoteClosed {
				c.shutdown(nil, stateBroken)
				return nil, ErrDisposed
			}
			if isFatal(err) {
				c.fail(err)
				return nil, err
			}
			return nil, err // per-frame error; connection stays up
		}
		if app {
			return v, nil
		}
	}
}

// readOne decodes one frame under the read mutex and classifies it.
// app is true only for a plain application message; RMI frames are
// routed internally and err==nil lets the caller loop. A returned
// error is either fatal (connection must break) or a per-frame
// serialization error attributable to no one but the local reader.
func (c *Conn) readOne() (v any, app bool, err error) {
	c.readMut.Lock()
	defer c.readMut.Unlock()
	if c.isDisposed() {
		return nil, false, ErrDisposed
	}
	f, ferr := c.fr.readFrame(c.nc, timeoutPtr(c.cfg.ReadTimeout))
	if ferr != nil {
		if c.isDisposed() {
			return nil, false, ErrDisposed
		}
		return nil, false, ferr
	}
	val, derr := c.fr.decodeValue(f)
	if derr != nil {
		switch {
		case f.InResponseToID != 0:
			// the waiter for this id eats the error; connection lives.
			c.calls.fail(f.InResponseToID, &InvocationError{
				Code: CodeDataReceivingError, Remote: derr.Error()})
			return nil, false, nil
		case f.MessageID != 0:
			// tell the remote caller its request was undecodable here.
			go c.replyError(f.MessageID, CodeDataReceivingError, derr.Error())
			return nil, false, nil
		default:
			return nil, false, derr
		}
	}
	switch {
	case f.InResponseToID != 0:
		c.completeCall(f.InResponseToID, val)
		return nil, false, nil
	case f.MessageID != 0:
		c.serveInvoke(f.MessageID, val)
		return nil, false, nil
	}
	return val, true, nil
}

// readHandshake reads one frame for the credential exchange. Unlike
// ReadObject it refuses track frames outright: nothing may invoke or
// answer anything before authentication finishes.
func (c *Conn) readHandshake() (any, error) {
	c.readMut.Lock()
	defer c.readMut.Unlock()
	if c.isDisposed() {
		return nil, ErrDisposed
	}
	f, ferr := c.fr.readFrame(c.nc, timeoutPtr(c.cfg.ReadTimeout))
	if ferr != nil {
		return nil, ferr
	}
	if f.correlated() {
		return nil, &AuthError{Reason: "track frame before authentication"}
	}
	v, derr := c.fr.decodeValue(f)
	if derr != nil {
		return nil, derr
	}
	return v, nil
}

// Listening reports whether the background receiver is on.
func (c *Conn) Listening() bool {
	c.listenMut.Lock()
	defer c.listenMut.Unlock()
	return c.listening
}

// SetListening toggles the background receiver. Turning it on after
// a prior off starts a replacement loop; the old loop exits at its
// next iteration boundary, and frame decode stays serialized under
// the read mutex throughout, so two loops never decode at once.
// Turning it off does not abort an in-flight read.
func (c *Conn) SetListening(on bool) {
	if c.isDisposed() {
		return
	}
	c.listenMut.Lock()
	defer c.listenMut.Unlock()
	if on == c.listening {
		return
	}
	c.listening = on
	if on {
		c.listenGen++
		c.state.Store(int32(stateListening))
		go c.readLoop(c.listenGen)
	} else {
		c.state.Store(int32(stateEstablished))
	}
}

func (c *Conn) listenGenIs(gen int) bool {
	c.listenMut.Lock()
	defer c.listenMut.Unlock()
	return c.listening && c.listenGen == gen
}

// readLoop is the background receiver: at most one per connection
// decodes at a time. Application messages go to OnReceived
// observers, handled per-frame errors to OnReceivedError, and a
// broken connection ends the loop silently after shutdown runs.
func (c *Conn) readLoop(gen int) {
	for {
		select {
		case <-c.halt.ReqStop.Chan:
			return
		default:
		}
		if !c.listenGenIs(gen) {
			return
		}
		v, app, err := c.readOne()
		if err != nil {
			if err == ErrDisposed {
				return
			}
			if err == errRemoteClosed {
				c.shutdown(nil, stateBroken)
				return
			}
			if isFatal(err) {
				c.fail(err)
				return
			}
			c.fireReceivedError(err)
			continue
		}
		if app {
			c.fireReceived(v)
		}
	}
}

// OnReceived registers fn for application messages delivered by the
// background receiver. The disposer unregisters it. Callbacks fire
// sequentially on the receiver goroutine.
func (c *Conn) OnReceived(fn func(v any)) (cancel func()) {
	c.obsMut.Lock()
	id := c.nextObsID
	c.nextObsID++
	c.recvObs[id] = fn
	c.obsMut.Unlock()
	return func() {
		c.obsMut.Lock()
		delete(c.recvObs, id)
		c.obsMut.Unlock()
	}
}

// OnReceivedError registers fn for handled per-frame errors.
func (c *Conn) OnReceivedError(fn func(err error)) (cancel func()) {
	c.obsMut.Lock()
	id := c.nextObsID
	c.nextObsID++
	c.recvErrObs[id] = fn
	c.obsMut.Unlock()
	return func() {
		c.obsMut.Lock()
		delete(c.recvErrObs, id)
		c.obsMut.Unlock()
	}
}

// OnClosed registers fn for the end of the connection. err is nil on
// a graceful close. Registering after the close fires fn at once.
func (c *Conn) OnClosed(fn func(err error)) (cancel func()) {
	c.obsMut.Lock()
	if c.isDisposed() {
		err := c.closeErr
		c.obsMut.Unlock()
		fn(err)
		return func() {}
	}
	id := c.nextObsID
	c.nextObsID++
	c.closedObs[id] = fn
	c.obsMut.Unlock()
	return func() {
		c.obsMut.Lock()
		delete(c.closedObs, id)
		c.obsMut.Unlock()
	}
}

func (c *Conn) fireReceived(v any) {
	c.obsMut.Lock()
	fns := make([]func(any), 0, len(c.recvObs))
	for _, fn := range c.recvObs {
		fns = append(fns, fn)
	}
	c.obsMut.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (c *Conn) fireReceivedError(err error) {
	c.obsMut.Lock()
	fns := make([]func(error), 0, len(c.recvErrObs))
	for _, fn := range c.recvErrObs {
		fns = append(fns, fn)
	}
	c.obsMut.Unlock()
	if len(fns) == 0 {
		vv("conn %v: unobserved receive error: %v", c.connID, err)
	}
	for _, fn := range fns {
		fn(err)
	}
}

// Close shuts the connection down gracefully: the token is
// cancelled, the socket released, every outstanding call completed
// with OperationCancelled, and OnClosed observers fired with nil.
func (c *Conn) Close() error {
	c.shutdown(nil, stateClosed)
	return nil
}

// fail is Close for the unhappy paths; err reaches OnClosed.
func (c *Conn) fail(err error) {
	c.shutdown(err, stateBroken)
}

func (c *Conn) shutdown(err error, final connState) {
	c.shutOnce.Do(func() {
		c.state.Store(int32(stateClosing))
		c.obsMut.Lock()
		c.closeErr = err
		c.obsMut.Unlock()
		c.canc()
		c.nc.Close()
		c.state.Store(int32(final))
		c.calls.drain(&InvocationError{
			Code: CodeOperationCancelled, Remote: "connection closed"})

		c.obsMut.Lock()
		fns := make([]func(error), 0, len(c.closedObs))
		for _, fn := range c.closedObs {
			fns = append(fns, fn)
		}
		c.closedObs = make(map[int]func(error))
		c.obsMut.Unlock()
		for _, fn := range fns {
			fn(err)
		}

		c.halt.ReqStop.Close()
		c.halt.Done.Close()
	})
}

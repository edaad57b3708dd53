package objlink

// rmi.go: correlated request/response method invocation.
//
// An outgoing call allocates a fresh MessageID, parks a latch in the
// call table, and sends an InvokeRequest frame. The read path routes
// the matching response (InResponseToID == that MessageID) back to
// the latch. Correlation is by id, never by arrival order; two
// concurrent calls may complete in either order.

import (
	"context"
	"fmt"
	"sync"

	"github.com/glycerine/loquet"
)

const (
	invokeReqTypeName = "objlink.InvokeRequest, objlink"
	invokeResTypeName = "objlink.InvokeResult, objlink"
)

// InvokeRequest names a controller, a method, and the positional
// parameter type full-names; Params holds each argument serialized
// separately so the callee can decode them straight into the matched
// method's parameter types.
type InvokeRequest struct {
	Controller string   `json:"controller"`
	Method     string   `json:"method"`
	ParamTypes []string `json:"paramTypes"`
	Params     [][]byte `json:"params"`
}

// InvokeResult answers an InvokeRequest. ExceptionCode zero means
// success and Result holds the serialized return value (ResultType
// empty for void methods).
type InvokeResult struct {
	ExceptionCode    int32  `json:"exceptionCode"`
	ExceptionMessage string `json:"exceptionMessage,omitempty"`
	FullException    string `json:"fullException,omitempty"`
	ResultType       string `json:"resultType,omitempty"`
	Result           []byte `json:"result,omitempty"`
}

type callOutcome struct {
	res *InvokeResult
	err error
}

type pendingCall struct {
	id   int32
	mut  sync.Mutex
	out  callOutcome
	done *loquet.Chan[callOutcome]
}

func (pc *pendingCall) finish(out callOutcome) {
	pc.mut.Lock()
	pc.out = out
	pc.mut.Unlock()
	pc.done.Close()
}

func (pc *pendingCall) outcome() callOutcome {
	pc.mut.Lock()
	defer pc.mut.Unlock()
	return pc.out
}

// callTable maps in-flight MessageIDs to their waiters. An entry
// leaves the table exactly once: on response, on a correlated decode
// error, on caller cancellation, or at connection shutdown.
type callTable struct {
	mut sync.Mutex
	m   map[int32]*pendingCall
}

func newCallTable() *callTable {
	return &callTable{m: make(map[int32]*pendingCall)}
}

func (t *callTable) add(id int32) *pendingCall {
	pc := &pendingCall{id: id, done: loquet.NewChan[callOutcome](nil)}
	t.mut.Lock()
	t.m[id] = pc
	t.mut.Unlock()
	return pc
}

func (t *callTable) take(id int32) *pendingCall {
	t.mut.Lock()
	pc := t.m[id]
	delete(t.m, id)
	t.mut.Unlock()
	return pc
}

func (t *callTable) len() int {
	t.mut.Lock()
	defer t.mut.Unlock()
	return len(t.m)
}

func (t *callTable) complete(id int32, v any) {
	pc := t.take(id)
	if pc == nil {
		vv("dropping response for unknown call id %v", id)
		return
	}
	res, ok := v.(*InvokeResult)
	if !ok {
		pc.finish(callOutcome{err: &InvocationError{
			Code:   CodeDataReceivingError,
			Remote: fmt.Sprintf("response carried %T, not an invoke result", v)}})
		return
	}
	pc.finish(callOutcome{res: res})
}

func (t *callTable) fail(id int32, err error) {
	pc := t.take(id)
	if pc == nil {
		vv("dropping error for unknown call id %v: %v", id, err)
		return
	}
	pc.finish(callOutcome{err: err})
}

// drain releases every waiter with err; runs once, at shutdown.
func (t *callTable) drain(err error) {
	t.mut.Lock()
	pending := make([]*pendingCall, 0, len(t.m))
	for _, pc := range t.m {
		pending = append(pending, pc)
	}
	t.m = make(map[int32]*pendingCall)
	t.mut.Unlock()
	for _, pc := range pending {
		pc.finish(callOutcome{err: err})
	}
}

// RemoteController forwards method calls to the peer's controller
// registered under ID. Obtain one from GetController; they are
// cached per connection.
type RemoteController struct {
	c  *Conn
	id string
}

func (r *RemoteController) ID() string { return r.id }

// Call invokes method on the remote controller and waits for its
// result. Scalar results decode through JSON's generic mapping
// (numbers arrive as float64); use CallRemote for an exact type.
func (r *RemoteController) Call(ctx context.Context, method string, args ...any) (any, error) {
	res, err := r.c.invokeRaw(ctx, r.id, method, args...)
	if err != nil {
		return nil, err
	}
	return r.c.decodeResult(res)
}

// GetController returns the proxy for the remote controller named by
// id (the "<full type name>, <module name>" identifier). The same
// proxy is returned for the lifetime of the connection.
func (c *Conn) GetController(id string) *RemoteController {
	c.proxMut.Lock()
	defer c.proxMut.Unlock()
	if rc, ok := c.proxies[id]; ok {
		return rc
	}
	rc := &RemoteController{c: c, id: id}
	c.proxies[id] = rc
	return rc
}

// CallRemote invokes method on rc and decodes the result into T.
func CallRemote[T any](ctx context.Context, rc *RemoteController, method string, args ...any) (T, error) {
	var zero T
	res, err := rc.c.invokeRaw(ctx, rc.id, method, args...)
	if err != nil {
		return zero, err
	}
	if res.ResultType == "" {
		return zero, nil
	}
	var out T
	if err := rc.c.cfg.Serializer.UnmarshalInto(res.Result, &out); err != nil {
		return zero, &SerializationError{TypeName: res.ResultType, Cause: err}
	}
	return out, nil
}

// Invoke is the untyped RMI entry point.
func (c *Conn) Invoke(ctx context.Context, controllerID, method string, args ...any) (any, error) {
	res, err := c.invokeRaw(ctx, controllerID, method, args...)
	if err != nil {
		return nil, err
	}
	return c.decodeResult(res)
}

func (c *Conn) invokeRaw(ctx context.Context, controllerID, method string, args ...any) (*InvokeResult, error) {
	if c.isDisposed() {
		return nil, ErrDisposed
	}
	req := &InvokeRequest{Controller: controllerID, Method: method}
	for _, a := range args {
		tn, _ := c.cfg.Registry.NameFor(a)
		by, err := c.cfg.Serializer.Marshal(a)
		if err != nil {
			return nil, &SerializationError{TypeName: tn, Cause: err}
		}
		req.ParamTypes = append(req.ParamTypes, tn)
		req.Params = append(req.Params, by)
	}

	id := c.nextID()
	pc := c.calls.add(id)
	if err := c.writeTracked(id, 0, req); err != nil {
		c.calls.take(id)
		return nil, err
	}

	var ctxDone <-chan struct{}
	if ctx != nil {
		ctxDone = ctx.Done()
	}
	select {
	case <-pc.done.WhenClosed():
		out := pc.outcome()
		if out.err != nil {
			return nil, out.err
		}
		if out.res.ExceptionCode != CodeOK {
			return nil, &InvocationError{
				Code:   out.res.ExceptionCode,
				Remote: out.res.ExceptionMessage,
				Stack:  out.res.FullException,
			}
		}
		return out.res, nil
	case <-ctxDone:
		c.calls.take(id)
		return nil, &InvocationError{Code: CodeOperationCancelled, Remote: ctx.Err().Error()}
	case <-c.halt.ReqStop.Chan:
		c.calls.take(id)
		return nil, &InvocationError{Code: CodeOperationCancelled, Remote: "connection closed"}
	}
}

// decodeResult maps a successful InvokeResult back to a Go value:
// a registered type decodes to its struct, anything else through
// JSON's generic mapping.
func (c *Conn) decodeResult(res *InvokeResult) (any, error) {
	if res.ResultType == "" {
		return nil, nil
	}
	if c.cfg.Registry.Known(res.ResultType) {
		v, err := c.cfg.Serializer.Unmarshal(res.Result, res.ResultType)
		if err != nil {
			return nil, &SerializationError{TypeName: res.ResultType, Cause: err}
		}
		return v, nil
	}
	var out any
	if err := c.cfg.Serializer.UnmarshalInto(res.Result, &out); err != nil {
		return nil, &SerializationError{TypeName: res.ResultType, Cause: err}
	}
	return out, nil
}

// completeCall routes an incoming response frame to its waiter.
func (c *Conn) completeCall(inResponseToID int32, v any) {
	c.calls.complete(inResponseToID, v)
}

// serveInvoke handles an incoming RMI request off the read loop so a
// slow controller never stalls receiving.
func (c *Conn) serveInvoke(msgID int32, v any) {
	req, ok := v.(*InvokeRequest)
	if !ok {
		go c.replyError(msgID, CodeDataReceivingError,
			fmt.Sprintf("expected an invoke request, got %T", v))
		return
	}
	go func() {
		res := c.dispatch(req)
		c.sendResult(msgID, res)
	}()
}

func (c *Conn) sendResult(msgID int32, res *InvokeResult) {
	if err := c.writeTracked(c.nextID(), msgID, res); err != nil {
		vv("conn %v: could not send invoke result for request %v: %v", c.connID, msgID, err)
	}
}

func (c *Conn) replyError(msgID int32, code int32, text string) {
	c.sendResult(msgID, &InvokeResult{ExceptionCode: code, ExceptionMessage: text})
}

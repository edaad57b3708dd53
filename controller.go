package objlink

// controller.go: local service objects and the reflective dispatcher.
//
// A controller is registered under its wire identifier string,
// "<full type name>, <module name>", and invoked remotely by method
// name. Resolution may be an instance, a zero-arg constructor, or a
// factory taking the peer connection; whichever resolves first is
// memoized for the connection's lifetime.

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
)

type controllerReg struct {
	inst    any
	ctor    func() any
	factory func(peer *Conn) any
}

type controllerSet struct {
	mut  sync.Mutex
	regs map[string]*controllerReg
}

func newControllerSet() *controllerSet {
	return &controllerSet{regs: make(map[string]*controllerReg)}
}

func (s *controllerSet) put(id string, reg *controllerReg) {
	s.mut.Lock()
	s.regs[id] = reg
	s.mut.Unlock()
}

// resolve finds or builds the controller for id. Constructors and
// factories run outside the set lock; the first instance built wins.
func (s *controllerSet) resolve(id string, peer *Conn) (any, bool) {
	s.mut.Lock()
	reg, ok := s.regs[id]
	if !ok {
		s.mut.Unlock()
		return nil, false
	}
	if reg.inst != nil {
		inst := reg.inst
		s.mut.Unlock()
		return inst, true
	}
	s.mut.Unlock()

	var built any
	switch {
	case reg.ctor != nil:
		built = reg.ctor()
	case reg.factory != nil:
		built = reg.factory(peer)
	}
	if built == nil {
		return nil, false
	}

	s.mut.Lock()
	if reg.inst == nil {
		reg.inst = built
	}
	inst := reg.inst
	s.mut.Unlock()
	return inst, true
}

// Use registers instance as the controller answering to id.
func (c *Conn) Use(id string, instance any) {
	c.ctrls.put(id, &controllerReg{inst: instance})
}

// UseFunc registers a constructor; it runs on the first incoming
// call for id and its instance is memoized. Concurrent first calls
// may each run it; the first instance built is the one kept.
func (c *Conn) UseFunc(id string, ctor func() any) {
	c.ctrls.put(id, &controllerReg{ctor: ctor})
}

// UsePeerFunc registers a factory receiving the peer connection, for
// controllers that call back into their caller.
func (c *Conn) UsePeerFunc(id string, factory func(peer *Conn) any) {
	c.ctrls.put(id, &controllerReg{factory: factory})
}

var errType = reflect.TypeOf((*error)(nil)).Elem()
var ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()

// dispatch runs one incoming request against the local controller
// set and always produces a result frame payload; panics inside the
// controller come back as MethodInvokeException with the stack.
func (c *Conn) dispatch(req *InvokeRequest) (res *InvokeResult) {
	defer func() {
		if r := recover(); r != nil {
			res = &InvokeResult{
				ExceptionCode:    CodeMethodInvokeException,
				ExceptionMessage: fmt.Sprintf("%v", r),
				FullException:    fmt.Sprintf("panic: %v\n%s", r, debug.Stack()),
			}
		}
	}()

	inst, ok := c.ctrls.resolve(req.Controller, c)
	if !ok {
		return &InvokeResult{
			ExceptionCode:    CodeControllerNotFound,
			ExceptionMessage: fmt.Sprintf("no controller registered under %q", req.Controller),
		}
	}

	mv, takesCtx, ok := matchMethod(c.cfg.Registry, inst, req)
	if !ok {
		return &InvokeResult{
			ExceptionCode: CodeMethodNotFound,
			ExceptionMessage: fmt.Sprintf("no method %v(%v) on controller %q",
				req.Method, req.ParamTypes, req.Controller),
		}
	}

	mt := mv.Type()
	offset := 0
	args := make([]reflect.Value, 0, mt.NumIn())
	if takesCtx {
		args = append(args, reflect.ValueOf(c.ctx))
		offset = 1
	}
	for i, raw := range req.Params {
		pv := reflect.New(mt.In(i + offset))
		if err := c.cfg.Serializer.UnmarshalInto(raw, pv.Interface()); err != nil {
			return &InvokeResult{
				ExceptionCode:    CodeDataReceivingError,
				ExceptionMessage: fmt.Sprintf("parameter %v undecodable as %v: %v", i, req.ParamTypes[i], err),
			}
		}
		args = append(args, pv.Elem())
	}

	outs := mv.Call(args)
	return c.packResult(req, outs, mt)
}

// packResult turns a method's return values into an InvokeResult.
// Supported shapes: (), (error), (T), (T, error).
func (c *Conn) packResult(req *InvokeRequest, outs []reflect.Value, mt reflect.Type) *InvokeResult {
	var val *reflect.Value
	for i := range outs {
		if mt.Out(i) == errType {
			if !outs[i].IsNil() {
				err := outs[i].Interface().(error)
				return &InvokeResult{
					ExceptionCode:    CodeMethodInvokeException,
					ExceptionMessage: err.Error(),
					FullException:    fmt.Sprintf("%+v", err),
				}
			}
			continue
		}
		if val != nil {
			return &InvokeResult{
				ExceptionCode: CodeMethodInvokeException,
				ExceptionMessage: fmt.Sprintf("method %v returns more than one value besides error",
					req.Method),
			}
		}
		v := outs[i]
		val = &v
	}
	if val == nil {
		return &InvokeResult{ExceptionCode: CodeOK}
	}
	if val.Kind() == reflect.Interface {
		if val.IsNil() {
			return &InvokeResult{ExceptionCode: CodeOK}
		}
		unwrapped := val.Elem()
		val = &unwrapped
	}
	by, err := c.cfg.Serializer.Marshal(val.Interface())
	if err != nil {
		return &InvokeResult{
			ExceptionCode:    CodeMethodInvokeException,
			ExceptionMessage: fmt.Sprintf("result of %v would not serialize: %v", req.Method, err),
		}
	}
	return &InvokeResult{
		ExceptionCode: CodeOK,
		ResultType:    c.cfg.Registry.nameForType(val.Type()),
		Result:        by,
	}
}

// matchMethod finds a public method whose name equals req.Method and
// whose wire-visible parameters match req.ParamTypes element-wise by
// full type name. A leading context.Context parameter is invisible
// on the wire; the connection's context is supplied for it.
func matchMethod(reg *TypeRegistry, inst any, req *InvokeRequest) (mv reflect.Value, takesCtx, ok bool) {
	v := reflect.ValueOf(inst)
	mv = v.MethodByName(req.Method)
	if !mv.IsValid() {
		return mv, false, false
	}
	mt := mv.Type()
	offset := 0
	if mt.NumIn() > 0 && mt.In(0) == ctxType {
		takesCtx = true
		offset = 1
	}
	if mt.NumIn()-offset != len(req.ParamTypes) {
		return mv, takesCtx, false
	}
	for i, want := range req.ParamTypes {
		if reg.nameForType(mt.In(i+offset)) != want {
			return mv, takesCtx, false
		}
	}
	return mv, takesCtx, true
}

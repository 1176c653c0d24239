// Package dispatch routes parsed inbound requests to local handlers and
// raises lifecycle notifications around them.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sourcegraph/conc/iter"

	"github.com/DragonSecurity/ocppnet/internal/events"
	"github.com/DragonSecurity/ocppnet/pkg/ocpp"
	"github.com/DragonSecurity/ocppnet/pkg/proto"
	"github.com/DragonSecurity/ocppnet/pkg/util"
)

// ConnectionInfo identifies the peer a message arrived from.
type ConnectionInfo struct {
	ID         string
	RemoteAddr string
}

// Handler answers one request. Returning a nil response means "not mine".
type Handler func(ctx context.Context, conn ConnectionInfo, req ocpp.Request) (ocpp.Response, error)

type (
	FrameListener    func(ctx context.Context, conn ConnectionInfo, f proto.Frame) error
	RequestListener  func(ctx context.Context, conn ConnectionInfo, req ocpp.Request) error
	ResponseListener func(ctx context.Context, conn ConnectionInfo, req ocpp.Request, resp ocpp.Response, runtime time.Duration) error
)

// Fabric is the action to handler table of one node.
type Fabric struct {
	reg *ocpp.Registry
	log *util.Logger

	mu       sync.RWMutex
	handlers map[string]*events.Registry[Handler]

	OnWSRequestReceived events.Registry[FrameListener]
	OnRequestReceived   events.Registry[RequestListener]
	OnResponseSent      events.Registry[ResponseListener]
	OnWSResponseSent    events.Registry[FrameListener]
	OnWSRequestSent     events.Registry[FrameListener]
}

func New(reg *ocpp.Registry, log *util.Logger) *Fabric {
	if log == nil {
		log = util.NopLogger()
	}
	return &Fabric{reg: reg, log: log, handlers: make(map[string]*events.Registry[Handler])}
}

func (f *Fabric) Registry() *ocpp.Registry { return f.reg }

func (f *Fabric) Subscribe(action string, h Handler) events.Handle {
	f.mu.Lock()
	r, ok := f.handlers[action]
	if !ok {
		r = &events.Registry[Handler]{}
		f.handlers[action] = r
	}
	f.mu.Unlock()
	return r.Subscribe(h)
}

func (f *Fabric) Unsubscribe(action string, h events.Handle) bool {
	f.mu.RLock()
	r, ok := f.handlers[action]
	f.mu.RUnlock()
	return ok && r.Unsubscribe(h)
}

func (f *Fabric) subscribers(action string) []Handler {
	f.mu.RLock()
	r, ok := f.handlers[action]
	f.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.Snapshot()
}

// HasSubscribers reports whether any local handler exists for action.
func (f *Fabric) HasSubscribers(action string) bool {
	return len(f.subscribers(action)) > 0
}

// Dispatch runs every handler registered for req's action concurrently,
// waits for all of them and returns the first non-nil response in
// registration order. Without any answer the registry's failed response
// with ResultNoHandler is returned.
func (f *Fabric) Dispatch(ctx context.Context, conn ConnectionInfo, req ocpp.Request) ocpp.Response {
	events.Notify(f.log, "request received", &f.OnRequestReceived, func(l RequestListener) error {
		return l(ctx, conn, req)
	})

	subs := f.subscribers(req.Action())
	responses := iter.Map(subs, func(h *Handler) ocpp.Response {
		var resp ocpp.Response
		err := events.Recover(func() error {
			var err error
			resp, err = (*h)(ctx, conn, req)
			return err
		})
		if err != nil {
			f.log.Warnf("%s handler for %s from %s: %v", req.Action(), req.Meta().RequestID, conn.ID, err)
			return nil
		}
		return resp
	})

	for i, resp := range responses {
		if resp == nil {
			continue
		}
		if extra := lo.CountBy(responses[i+1:], func(r ocpp.Response) bool { return r != nil }); extra > 0 {
			f.log.Debugf("%s %s: discarding %d later responses", req.Action(), req.Meta().RequestID, extra)
		}
		*resp.Meta() = ocpp.RespondTo(req)
		if resp.Result().Code == "" {
			resp.SetResult(ocpp.OK())
		}
		return resp
	}
	if len(subs) > 0 {
		f.log.Debugf("%d handlers for %s returned no response", len(subs), req.Action())
	}
	return f.reg.Failed(req, ocpp.NewResult(ocpp.ResultNoHandler, "no handler answered %s", req.Action()))
}

// RaiseWSRequestReceived and the other Raise methods notify the matching
// listener set; failures are only logged.
func (f *Fabric) RaiseWSRequestReceived(ctx context.Context, conn ConnectionInfo, fr proto.Frame) {
	events.Notify(f.log, "ws request received", &f.OnWSRequestReceived, func(l FrameListener) error {
		return l(ctx, conn, fr)
	})
}

func (f *Fabric) RaiseWSResponseSent(ctx context.Context, conn ConnectionInfo, fr proto.Frame) {
	events.Notify(f.log, "ws response sent", &f.OnWSResponseSent, func(l FrameListener) error {
		return l(ctx, conn, fr)
	})
}

func (f *Fabric) RaiseWSRequestSent(ctx context.Context, conn ConnectionInfo, fr proto.Frame) {
	events.Notify(f.log, "ws request sent", &f.OnWSRequestSent, func(l FrameListener) error {
		return l(ctx, conn, fr)
	})
}

func (f *Fabric) RaiseResponseSent(ctx context.Context, conn ConnectionInfo, req ocpp.Request, resp ocpp.Response, runtime time.Duration) {
	events.Notify(f.log, "response sent", &f.OnResponseSent, func(l ResponseListener) error {
		return l(ctx, conn, req, resp, runtime)
	})
}

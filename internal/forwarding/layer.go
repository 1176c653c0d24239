// Package forwarding decides, per inbound request at a networking node,
// whether it travels on unchanged, travels on rewritten or is answered
// locally with a rejection.
package forwarding

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/DragonSecurity/ocppnet/internal/events"
	"github.com/DragonSecurity/ocppnet/pkg/ocpp"
	"github.com/DragonSecurity/ocppnet/pkg/proto"
	"github.com/DragonSecurity/ocppnet/pkg/util"
)

// Any registers a filter for every action.
const Any = "*"

var ErrRejected = errors.New("request was rejected")

var metricDecisions = prom.NewCounterVec(prom.CounterOpts{
	Name: "ocppnet_forwarding_decisions_total",
	Help: "Forwarding decisions by action and kind.",
}, []string{"action", "kind"})

func init() {
	prom.MustRegister(metricDecisions)
}

// Filter inspects a parsed request. A nil decision abstains.
type Filter func(ctx context.Context, from string, req ocpp.Request) (*Decision, error)

// FilteredListener observes every final decision.
type FilteredListener func(ctx context.Context, from string, d *Decision) error

type filterEntry struct {
	name   string
	action string
	fn     Filter
}

type Config struct {
	Default         Kind
	Registry        *ocpp.Registry
	Customization   *ocpp.Customization
	Routes          *RoutingTable
	Breakers        *Breakers
	MaxFilterFanout int
}

// Layer is the forwarding state machine of one node. It is safe for
// concurrent use.
type Layer struct {
	reg      *ocpp.Registry
	custom   *ocpp.Customization
	log      *util.Logger
	routes   *RoutingTable
	breakers *Breakers
	fanout   int

	defaultKind atomic.Int32
	filters     events.Registry[filterEntry]

	OnRequestFiltered events.Registry[FilteredListener]
}

func New(cfg Config, log *util.Logger) *Layer {
	if log == nil {
		log = util.NopLogger()
	}
	if cfg.Registry == nil {
		cfg.Registry = ocpp.DefaultRegistry()
	}
	if cfg.Routes == nil {
		cfg.Routes = NewRoutingTable(NewMemoryStore(), log)
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewBreakers(BreakerSettings{}, log)
	}
	l := &Layer{
		reg:      cfg.Registry,
		custom:   cfg.Customization,
		log:      log,
		routes:   cfg.Routes,
		breakers: cfg.Breakers,
		fanout:   cfg.MaxFilterFanout,
	}
	l.SetDefaultDecision(cfg.Default)
	return l
}

func (l *Layer) Routes() *RoutingTable { return l.routes }
func (l *Layer) Breakers() *Breakers   { return l.breakers }

// SetDefaultDecision applies when no filter decides. Anything but Forward
// or Reject unsets it, which makes undecided requests rejected as filtered.
func (l *Layer) SetDefaultDecision(k Kind) {
	l.defaultKind.Store(int32(k))
}

func (l *Layer) DefaultDecision() Kind {
	return Kind(l.defaultKind.Load())
}

// AddFilter registers fn for action (or Any). Filters are consulted in
// registration order when decisions are combined.
func (l *Layer) AddFilter(name, action string, fn Filter) events.Handle {
	return l.filters.Subscribe(filterEntry{name: name, action: action, fn: fn})
}

func (l *Layer) RemoveFilter(h events.Handle) bool {
	return l.filters.Unsubscribe(h)
}

// ProcessJSONRequest runs a received CALL through parse, filter and decide.
func (l *Layer) ProcessJSONRequest(ctx context.Context, from string, f *proto.JSONRequest) *Decision {
	return l.processFrame(ctx, from, f, f.Action, false, f.Payload)
}

// ProcessBinaryRequest is ProcessJSONRequest for binary frames.
func (l *Layer) ProcessBinaryRequest(ctx context.Context, from string, f *proto.BinaryRequest) *Decision {
	return l.processFrame(ctx, from, f, f.Action, true, f.Payload)
}

func (l *Layer) processFrame(ctx context.Context, from string, f proto.Frame, action string, binary bool, payload []byte) *Decision {
	h := ocpp.HeaderOf(f)
	req, err := l.reg.ParseRequest(action, payload, h, l.custom)
	switch {
	case errors.Is(err, ocpp.ErrUnknownAction):
		req = ocpp.Raw(action, binary, payload, h)
	case err != nil:
		l.log.Warnf("cannot parse %s %s from %s: %v", action, f.GetRequestID(), from, err)
		d := l.Reject(f, nil, ocpp.ResultCouldNotParse, err.Error())
		l.record(ctx, from, action, d)
		return d
	}
	return l.Decide(ctx, from, f, req)
}

// Decide announces req to the matching filters concurrently and combines
// their verdicts: the first Reject in registration order wins, otherwise
// the first Forward or ForwardReplaced, otherwise the default decision.
func (l *Layer) Decide(ctx context.Context, from string, f proto.Frame, req ocpp.Request) *Decision {
	var matching []filterEntry
	for _, e := range l.filters.Snapshot() {
		if e.action == Any || e.action == req.Action() {
			matching = append(matching, e)
		}
	}

	results := make([]*Decision, len(matching))
	var g errgroup.Group
	if l.fanout > 0 {
		g.SetLimit(l.fanout)
	}
	for i, e := range matching {
		g.Go(func() error {
			err := events.Recover(func() error {
				d, err := e.fn(ctx, from, req)
				results[i] = d
				return err
			})
			if err != nil {
				l.log.Warnf("filter %s on %s %s: %v", e.name, req.Action(), f.GetRequestID(), err)
				results[i] = nil
			}
			return nil
		})
	}
	_ = g.Wait()

	// Filters may hand out shared decisions; only copies are annotated.
	var chosen *Decision
	for i, r := range results {
		if r == nil {
			continue
		}
		d := *r
		d.Filter = matching[i].name
		if d.Kind == ForwardReplaced && d.Replacement == nil {
			d.Kind = Forward
		}
		if d.Kind == Reject {
			chosen = &d
			break
		}
		if chosen == nil && (d.Kind == Forward || d.Kind == ForwardReplaced) {
			chosen = &d
		}
	}

	if chosen == nil {
		switch l.DefaultDecision() {
		case Forward:
			chosen = NewForward()
		case Reject:
			chosen = NewRejectDecision("rejected by default decision", nil)
		default:
			chosen = NewRejectDecision("filtered", nil)
		}
	}
	chosen.Request = req
	chosen.Frame = f
	if chosen.Kind == Reject {
		chosen = l.finalizeReject(chosen)
	}
	l.record(ctx, from, req.Action(), chosen)
	return chosen
}

func (l *Layer) record(ctx context.Context, from, action string, d *Decision) {
	metricDecisions.WithLabelValues(action, d.Kind.String()).Inc()
	if d.Kind == Reject {
		l.log.Infof("rejected %s %s from %s: %s", action, d.Frame.GetRequestID(), from, d.Reason)
	}
	events.Notify(l.log, "request filtered", &l.OnRequestFiltered, func(fn FilteredListener) error {
		return fn(ctx, from, d)
	})
}

// Reject builds a finished reject decision outside of filtering, e.g. for
// parse failures, missing routes or an unavailable next hop.
func (l *Layer) Reject(f proto.Frame, req ocpp.Request, code ocpp.ResultCode, reason string) *Decision {
	d := &Decision{Kind: Reject, Request: req, Frame: f, Code: code, Reason: reason}
	return l.finalizeReject(d)
}

func isRaw(req ocpp.Request) bool {
	switch req.(type) {
	case *ocpp.RawRequest, ocpp.RawBinaryRequest:
		return true
	}
	return false
}

// finalizeReject makes sure the decision carries a response and serializes
// it exactly once. A response supplied by a filter is never modified; the
// serialized frame is addressed to the request instead.
func (l *Layer) finalizeReject(d *Decision) *Decision {
	if d.Code == "" {
		d.Code = ocpp.ResultFiltered
	}
	if d.Reason == "" {
		d.Reason = "filtered"
	}
	d.RejectFrame = nil
	typed := d.Request != nil && !isRaw(d.Request)
	if d.RejectResponse == nil && typed {
		d.RejectResponse = l.reg.Failed(d.Request, ocpp.Result{Code: d.Code, Description: d.Reason})
	}
	if d.RejectResponse != nil && typed {
		if rf, err := ocpp.ResponseFrame(d.RejectResponse, l.custom); err == nil {
			d.RejectFrame = addressTo(rf, ocpp.RespondTo(d.Request))
		} else {
			l.log.Errorf("serialize reject for %s: %v", d.Frame.GetRequestID(), err)
		}
	}
	if d.RejectFrame == nil {
		routed := proto.Routed{Destination: d.Frame.GetDestination(), NetworkPath: d.Frame.GetNetworkPath()}
		d.RejectFrame = proto.ErrorFor(d.Frame.GetRequestID(), routed, ErrorCodeFor(d.Code), d.Reason)
	}
	kind, b, err := proto.Encode(d.RejectFrame)
	if err != nil {
		l.log.Errorf("encode reject for %s: %v", d.Frame.GetRequestID(), err)
		d.RejectFrame = proto.ErrorFor(d.Frame.GetRequestID(), proto.Routed{}, proto.InternalError, d.Reason)
		kind, b, _ = proto.Encode(d.RejectFrame)
	}
	d.RejectKind, d.RejectBytes = kind, b
	return d
}

func addressTo(f proto.Frame, h ocpp.Header) proto.Frame {
	routed := proto.Routed{Destination: h.Destination, NetworkPath: h.NetworkPath}
	switch r := f.(type) {
	case *proto.JSONResponse:
		r.RequestID, r.Routed = h.RequestID, routed
	case *proto.BinaryResponse:
		r.RequestID, r.Routed = h.RequestID, routed
	}
	return f
}

// ErrorCodeFor maps a local result onto the CALLERROR code sent to peers.
func ErrorCodeFor(code ocpp.ResultCode) proto.ErrorCode {
	switch code {
	case ocpp.ResultCouldNotParse:
		return proto.FormationViolation
	case ocpp.ResultSignatureError:
		return proto.SecurityError
	case ocpp.ResultNoHandler:
		return proto.NotImplemented
	case ocpp.ResultInternalError:
		return proto.InternalError
	}
	return proto.GenericError
}

// Outgoing builds the frame to send for a Forward or ForwardReplaced
// decision. The request id and destination are preserved and self is
// appended to the network path exactly once.
func (l *Layer) Outgoing(d *Decision, self proto.NetworkingNodeID) (proto.Frame, error) {
	if d.Kind == Reject {
		return nil, ErrRejected
	}
	routed := proto.Routed{
		Destination: d.Frame.GetDestination(),
		NetworkPath: d.Frame.GetNetworkPath().Append(self),
	}

	if d.Kind == ForwardReplaced && d.Replacement != nil {
		repl := d.Replacement
		orig := ocpp.HeaderOf(d.Frame)
		h := repl.Meta()
		h.RequestID = orig.RequestID
		h.Destination = routed.Destination
		h.NetworkPath = routed.NetworkPath
		if h.Timeout == 0 {
			h.Timeout = orig.Timeout
		}
		if h.EventTrackingID == "" {
			h.EventTrackingID = orig.EventTrackingID
		}
		f, err := ocpp.RequestFrame(repl, l.custom)
		if err != nil {
			return nil, fmt.Errorf("serialize replacement: %w", err)
		}
		return f, nil
	}

	switch f := d.Frame.(type) {
	case *proto.JSONRequest:
		cp := *f
		cp.Routed = routed
		return &cp, nil
	case *proto.BinaryRequest:
		cp := *f
		cp.Routed = routed
		return &cp, nil
	}
	return nil, fmt.Errorf("cannot forward %s frame", d.Frame.Kind())
}

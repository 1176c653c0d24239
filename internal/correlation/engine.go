// Package correlation pairs outbound requests with the response or error
// frames that answer them.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/DragonSecurity/ocppnet/pkg/ocpp"
	"github.com/DragonSecurity/ocppnet/pkg/proto"
	"github.com/DragonSecurity/ocppnet/pkg/util"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrDuplicateRequest = errors.New("duplicate request id")
	ErrNotRequest       = errors.New("frame is not a request")
	ErrConnectionClosed = errors.New("connection closed")
)

var (
	metricPending = prom.NewGauge(prom.GaugeOpts{
		Name: "ocppnet_pending_requests",
		Help: "Requests waiting for a response.",
	})
	metricOutcomes = prom.NewCounterVec(prom.CounterOpts{
		Name: "ocppnet_request_outcomes_total",
		Help: "Outbound requests by outcome.",
	}, []string{"action", "outcome"})
	metricRuntime = prom.NewHistogramVec(prom.HistogramOpts{
		Name:    "ocppnet_request_seconds",
		Help:    "Time from sending a request until it was resolved.",
		Buckets: prom.DefBuckets,
	}, []string{"action"})
)

func init() {
	prom.MustRegister(metricPending, metricOutcomes, metricRuntime)
}

// Sender writes one encoded frame to a connection.
type Sender interface {
	ID() string
	Send(ctx context.Context, kind proto.MessageKind, data []byte) error
}

type Outcome int

const (
	OutcomeJSONResponse Outcome = iota + 1
	OutcomeBinaryResponse
	OutcomeError
	OutcomeTimeout
	OutcomeCancelled
	OutcomeTransportFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeJSONResponse:
		return "json_response"
	case OutcomeBinaryResponse:
		return "binary_response"
	case OutcomeError:
		return "error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTransportFailure:
		return "transport_failure"
	}
	return "unknown"
}

// SendRequestState is the single result of SendAndWait.
type SendRequestState struct {
	RequestID      proto.RequestID
	Action         string
	Outcome        Outcome
	JSONResponse   *proto.JSONResponse
	BinaryResponse *proto.BinaryResponse
	Error          *proto.JSONRequestError
	Err            error
	SentAt         time.Time
	Runtime        time.Duration
}

// Answered reports whether the peer produced a response frame.
func (s SendRequestState) Answered() bool {
	return s.Outcome == OutcomeJSONResponse || s.Outcome == OutcomeBinaryResponse
}

// AsError maps every non-response outcome onto an ocpp result error.
func (s SendRequestState) AsError() error {
	switch s.Outcome {
	case OutcomeJSONResponse, OutcomeBinaryResponse:
		return nil
	case OutcomeError:
		return ocpp.Errorf(ocpp.ResultCallError, "%s: %s", s.Error.ErrorCode, s.Error.ErrorDescription)
	case OutcomeTimeout:
		return ocpp.WrapError(ocpp.ResultTimeout, s.Err)
	case OutcomeCancelled:
		return ocpp.WrapError(ocpp.ResultCancelled, s.Err)
	default:
		return ocpp.WrapError(ocpp.ResultNetworkError, s.Err)
	}
}

// Key identifies one outstanding request.
type Key struct {
	Connection string
	RequestID  proto.RequestID
}

type resolution struct {
	frame proto.Frame
	err   error
}

type pendingRequest struct {
	key     Key
	action  string
	issued  time.Time
	timeout time.Duration
	slot    chan resolution
}

// Engine owns the pending-request table for every connection of one node.
type Engine struct {
	mu      sync.Mutex
	pending map[Key]*pendingRequest
	log     *util.Logger
}

func New(log *util.Logger) *Engine {
	if log == nil {
		log = util.NopLogger()
	}
	return &Engine{pending: make(map[Key]*pendingRequest), log: log}
}

// Pending returns the number of outstanding requests.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) add(p *pendingRequest) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[p.key]; ok {
		return false
	}
	e.pending[p.key] = p
	metricPending.Inc()
	return true
}

// claim removes p if it is still registered. Only the caller that claims an
// entry may resolve it.
func (e *Engine) claim(key Key) *pendingRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[key]
	if !ok {
		return nil
	}
	delete(e.pending, key)
	metricPending.Dec()
	return p
}

func safeSend(ctx context.Context, conn Sender, kind proto.MessageKind, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	return conn.Send(ctx, kind, data)
}

// SendAndWait writes req to conn and blocks until a matching response or
// error frame arrives, the timeout elapses, ctx is cancelled or the
// connection fails. It never returns a Go error; every failure is a state.
func (e *Engine) SendAndWait(ctx context.Context, conn Sender, req proto.Frame, timeout time.Duration) SendRequestState {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	state := SendRequestState{RequestID: req.GetRequestID(), SentAt: time.Now()}
	switch r := req.(type) {
	case *proto.JSONRequest:
		state.Action = r.Action
	case *proto.BinaryRequest:
		state.Action = r.Action
	default:
		return e.finish(state, OutcomeTransportFailure, ErrNotRequest)
	}

	kind, data, err := proto.Encode(req)
	if err != nil {
		return e.finish(state, OutcomeTransportFailure, fmt.Errorf("encode: %w", err))
	}

	p := &pendingRequest{
		key:     Key{Connection: conn.ID(), RequestID: req.GetRequestID()},
		action:  state.Action,
		issued:  state.SentAt,
		timeout: timeout,
		slot:    make(chan resolution, 1),
	}
	if !e.add(p) {
		return e.finish(state, OutcomeTransportFailure, ErrDuplicateRequest)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := safeSend(waitCtx, conn, kind, data); err != nil {
		if e.claim(p.key) != nil {
			return e.finish(state, OutcomeTransportFailure, err)
		}
		// A resolver won the race against the failed write.
		return e.deliver(state, <-p.slot)
	}

	select {
	case res := <-p.slot:
		return e.deliver(state, res)
	case <-waitCtx.Done():
		if e.claim(p.key) == nil {
			return e.deliver(state, <-p.slot)
		}
		if errors.Is(waitCtx.Err(), context.Canceled) {
			return e.finish(state, OutcomeCancelled, waitCtx.Err())
		}
		return e.finish(state, OutcomeTimeout, fmt.Errorf("no response within %s: %w", timeout, waitCtx.Err()))
	}
}

func (e *Engine) deliver(state SendRequestState, res resolution) SendRequestState {
	if res.err != nil {
		return e.finish(state, OutcomeTransportFailure, res.err)
	}
	switch f := res.frame.(type) {
	case *proto.JSONResponse:
		state.JSONResponse = f
		return e.finish(state, OutcomeJSONResponse, nil)
	case *proto.BinaryResponse:
		state.BinaryResponse = f
		return e.finish(state, OutcomeBinaryResponse, nil)
	case *proto.JSONRequestError:
		state.Error = f
		return e.finish(state, OutcomeError, nil)
	}
	return e.finish(state, OutcomeTransportFailure, fmt.Errorf("unexpected %s frame", res.frame.Kind()))
}

func (e *Engine) finish(state SendRequestState, o Outcome, err error) SendRequestState {
	state.Outcome = o
	state.Err = err
	state.Runtime = time.Since(state.SentAt)
	metricOutcomes.WithLabelValues(state.Action, o.String()).Inc()
	metricRuntime.WithLabelValues(state.Action).Observe(state.Runtime.Seconds())
	if err != nil {
		e.log.Debugf("request %s (%s): %s: %v", state.RequestID, state.Action, o, err)
	}
	return state
}

// Resolve hands a response or error frame received on connection connID to
// the waiting caller. It returns false when nothing was waiting, e.g. for a
// late response after a timeout; such frames are dropped.
func (e *Engine) Resolve(connID string, f proto.Frame) bool {
	switch f.Kind() {
	case proto.KindJSONResponse, proto.KindBinaryResponse, proto.KindJSONError:
	default:
		return false
	}
	p := e.claim(Key{Connection: connID, RequestID: f.GetRequestID()})
	if p == nil {
		e.log.Debugf("dropping %s for unknown request %s on %s", f.Kind(), f.GetRequestID(), connID)
		return false
	}
	p.slot <- resolution{frame: f}
	return true
}

// FailConnection resolves every request pending on connID with a transport
// failure. Called when the connection goes away.
func (e *Engine) FailConnection(connID string, cause error) int {
	if cause == nil {
		cause = ErrConnectionClosed
	}
	e.mu.Lock()
	var claimed []*pendingRequest
	for k, p := range e.pending {
		if k.Connection == connID {
			delete(e.pending, k)
			claimed = append(claimed, p)
		}
	}
	metricPending.Sub(float64(len(claimed)))
	e.mu.Unlock()

	for _, p := range claimed {
		p.slot <- resolution{err: cause}
	}
	if len(claimed) > 0 {
		e.log.Infof("failed %d pending requests on %s: %v", len(claimed), connID, cause)
	}
	return len(claimed)
}

// PendingInfo describes one outstanding request.
type PendingInfo struct {
	Key      Key           `json:"key"`
	Action   string        `json:"action"`
	IssuedAt time.Time     `json:"issuedAt"`
	Timeout  time.Duration `json:"timeout"`
}

func (e *Engine) Snapshot() []PendingInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PendingInfo, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, PendingInfo{Key: p.key, Action: p.action, IssuedAt: p.issued, Timeout: p.timeout})
	}
	return out
}

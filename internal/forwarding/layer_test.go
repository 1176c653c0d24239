package forwarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DragonSecurity/ocppnet/pkg/ocpp"
	"github.com/DragonSecurity/ocppnet/pkg/proto"
)

func dataTransferFrame() *proto.JSONRequest {
	return &proto.JSONRequest{
		RequestID: "req-1",
		Action:    ocpp.ActionDataTransfer,
		Routed:    proto.Routed{Destination: "CSMS", NetworkPath: proto.NewNetworkPath("CS01")},
		Payload:   json.RawMessage(`{"vendorId":"acme","data":{"x":1}}`),
	}
}

func decide(k Kind, reason string) Filter {
	return func(context.Context, string, ocpp.Request) (*Decision, error) {
		switch k {
		case Forward:
			return NewForward(), nil
		case Reject:
			return NewRejectDecision(reason, nil), nil
		}
		return nil, nil
	}
}

func TestRejectAlwaysWins(t *testing.T) {
	orders := [][]Kind{
		{0, Forward, Reject},
		{0, Reject, Forward},
		{Forward, 0, Reject},
		{Forward, Reject, 0},
		{Reject, 0, Forward},
		{Reject, Forward, 0},
	}
	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			l := New(Config{Default: Forward}, nil)
			for i, k := range order {
				l.AddFilter(fmt.Sprintf("f%d", i), ocpp.ActionDataTransfer, decide(k, "vetoed"))
			}
			d := l.ProcessJSONRequest(context.Background(), "CS01", dataTransferFrame())
			assert.Equal(t, Reject, d.Kind)
			assert.Equal(t, "vetoed", d.Reason)
		})
	}
}

func TestForwardThenRejectUsesRejectingFilterReason(t *testing.T) {
	l := New(Config{Default: Forward}, nil)
	l.AddFilter("allow", ocpp.ActionDataTransfer, decide(Forward, ""))
	l.AddFilter("deny", Any, decide(Reject, "vendor blocked"))

	d := l.ProcessJSONRequest(context.Background(), "CS01", dataTransferFrame())
	require.Equal(t, Reject, d.Kind)
	assert.Equal(t, "vendor blocked", d.Reason)
	assert.Equal(t, "deny", d.Filter)

	resp, ok := d.RejectResponse.(*ocpp.DataTransferResponse)
	require.True(t, ok)
	assert.Equal(t, ocpp.DataTransferRejected, resp.Status)
	assert.Equal(t, ocpp.ResultFiltered, resp.Result().Code)

	require.NotEmpty(t, d.RejectBytes)
	assert.Equal(t, proto.TextMessage, d.RejectKind)
	f, err := proto.Decode(d.RejectKind, d.RejectBytes)
	require.NoError(t, err)
	assert.Equal(t, proto.KindJSONResponse, f.Kind())
	assert.Equal(t, proto.RequestID("req-1"), f.GetRequestID())
	assert.Equal(t, proto.NetworkingNodeID("CS01"), f.GetDestination())

	_, err = l.Outgoing(d, "LC01")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestDefaultDecision(t *testing.T) {
	l := New(Config{Default: Forward}, nil)
	d := l.ProcessJSONRequest(context.Background(), "CS01", dataTransferFrame())
	assert.Equal(t, Forward, d.Kind)

	l.SetDefaultDecision(Reject)
	d = l.ProcessJSONRequest(context.Background(), "CS01", dataTransferFrame())
	assert.Equal(t, Reject, d.Kind)
	assert.NotNil(t, d.RejectResponse)

	l.SetDefaultDecision(0)
	d = l.ProcessJSONRequest(context.Background(), "CS01", dataTransferFrame())
	assert.Equal(t, Reject, d.Kind)
	assert.Equal(t, "filtered", d.Reason)
}

func TestFailingFiltersAreIsolated(t *testing.T) {
	l := New(Config{Default: Reject}, nil)
	l.AddFilter("panics", Any, func(context.Context, string, ocpp.Request) (*Decision, error) {
		panic("filter bug")
	})
	l.AddFilter("errors", Any, func(context.Context, string, ocpp.Request) (*Decision, error) {
		return NewRejectDecision("ignored because of error", nil), errors.New("lookup failed")
	})
	l.AddFilter("forwards", Any, decide(Forward, ""))

	d := l.ProcessJSONRequest(context.Background(), "CS01", dataTransferFrame())
	assert.Equal(t, Forward, d.Kind)
	assert.Equal(t, "forwards", d.Filter)
}

func TestParseFailureRejectsWithCallError(t *testing.T) {
	l := New(Config{Default: Forward}, nil)
	f := dataTransferFrame()
	f.Payload = json.RawMessage(`{"data":1}`)

	d := l.ProcessJSONRequest(context.Background(), "CS01", f)
	require.Equal(t, Reject, d.Kind)
	assert.Equal(t, ocpp.ResultCouldNotParse, d.Code)
	back, err := proto.Decode(d.RejectKind, d.RejectBytes)
	require.NoError(t, err)
	ce, ok := back.(*proto.JSONRequestError)
	require.True(t, ok)
	assert.Equal(t, proto.FormationViolation, ce.ErrorCode)
	assert.Equal(t, proto.NetworkingNodeID("CS01"), ce.Destination)
}

func TestUnknownActionIsForwardedOpaque(t *testing.T) {
	l := New(Config{Default: Forward}, nil)
	var seen string
	l.AddFilter("spy", Any, func(_ context.Context, _ string, req ocpp.Request) (*Decision, error) {
		seen = req.Action()
		return nil, nil
	})
	f := &proto.BinaryRequest{
		RequestID: "b1",
		Action:    "VendorBlob",
		Routed:    proto.Routed{Destination: "CSMS"},
		Payload:   []byte{1, 2, 3},
	}
	d := l.ProcessBinaryRequest(context.Background(), "CS01", f)
	require.Equal(t, Forward, d.Kind)
	assert.Equal(t, "VendorBlob", seen)

	out, err := l.Outgoing(d, "LC01")
	require.NoError(t, err)
	br, ok := out.(*proto.BinaryRequest)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, br.Payload)
	assert.Equal(t, []proto.NetworkingNodeID{"LC01"}, br.NetworkPath.Hops())

	l.SetDefaultDecision(Reject)
	d = l.ProcessBinaryRequest(context.Background(), "CS01", f)
	require.Equal(t, Reject, d.Kind)
	back, err := proto.Decode(d.RejectKind, d.RejectBytes)
	require.NoError(t, err)
	assert.Equal(t, proto.KindJSONError, back.Kind())
}

func TestNetworkPathGrowsOneHopPerNode(t *testing.T) {
	const k = 4
	var frame proto.Frame = dataTransferFrame()
	original := frame.GetNetworkPath().Len()

	for i := 0; i < k; i++ {
		l := New(Config{Default: Forward}, nil)
		hop := proto.NetworkingNodeID(fmt.Sprintf("LC%02d", i))
		d := l.ProcessJSONRequest(context.Background(), "prev", frame.(*proto.JSONRequest))
		require.Equal(t, Forward, d.Kind)
		out, err := l.Outgoing(d, hop)
		require.NoError(t, err)
		assert.Equal(t, proto.RequestID("req-1"), out.GetRequestID())
		assert.Equal(t, proto.NetworkingNodeID("CSMS"), out.GetDestination())
		frame = out
	}

	path := frame.GetNetworkPath()
	assert.Equal(t, original+k, path.Len())
	assert.Equal(t, []proto.NetworkingNodeID{"CS01", "LC00", "LC01", "LC02", "LC03"}, path.Hops())
	assert.Equal(t, 1, dataTransferFrame().GetNetworkPath().Len())
}

func TestForwardReplaced(t *testing.T) {
	l := New(Config{Default: Reject}, nil)
	l.AddFilter("rewrite", ocpp.ActionDataTransfer, func(_ context.Context, _ string, req ocpp.Request) (*Decision, error) {
		in := req.(*ocpp.DataTransferRequest)
		return NewForwardReplaced(&ocpp.DataTransferRequest{VendorID: in.VendorID, MessageID: "rewritten"}), nil
	})
	d := l.ProcessJSONRequest(context.Background(), "CS01", dataTransferFrame())
	require.Equal(t, ForwardReplaced, d.Kind)

	out, err := l.Outgoing(d, "LC01")
	require.NoError(t, err)
	jr, ok := out.(*proto.JSONRequest)
	require.True(t, ok)
	assert.Equal(t, proto.RequestID("req-1"), jr.RequestID)
	assert.JSONEq(t, `{"vendorId":"acme","messageId":"rewritten"}`, string(jr.Payload))
	assert.Equal(t, []proto.NetworkingNodeID{"CS01", "LC01"}, jr.NetworkPath.Hops())
}

func TestFilteredListenerSeesDecision(t *testing.T) {
	l := New(Config{Default: Forward}, nil)
	got := make(chan Kind, 1)
	l.OnRequestFiltered.Subscribe(func(_ context.Context, _ string, d *Decision) error {
		got <- d.Kind
		return nil
	})
	l.ProcessJSONRequest(context.Background(), "CS01", dataTransferFrame())
	assert.Equal(t, Forward, <-got)
}

func TestSharedDecisionIsNotModified(t *testing.T) {
	deny := NewRejectDecision("blocked", &ocpp.DataTransferResponse{Status: ocpp.DataTransferRejected})
	allow := NewForward()
	l := New(Config{Default: Forward}, nil)
	l.AddFilter("deny", ocpp.ActionDataTransfer, func(_ context.Context, _ string, req ocpp.Request) (*Decision, error) {
		if req.(*ocpp.DataTransferRequest).VendorID == "acme" {
			return deny, nil
		}
		return allow, nil
	})

	const n = 20
	var wg sync.WaitGroup
	decisions := make([]*Decision, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := dataTransferFrame()
			f.RequestID = proto.RequestID(fmt.Sprintf("req-%d", i))
			if i%2 == 1 {
				f.Payload = json.RawMessage(`{"vendorId":"other"}`)
			}
			decisions[i] = l.ProcessJSONRequest(context.Background(), "CS01", f)
		}(i)
	}
	wg.Wait()

	for i, d := range decisions {
		id := proto.RequestID(fmt.Sprintf("req-%d", i))
		assert.Equal(t, id, d.Frame.GetRequestID())
		assert.Equal(t, "deny", d.Filter)
		if i%2 == 1 {
			assert.Equal(t, Forward, d.Kind)
			continue
		}
		require.Equal(t, Reject, d.Kind)
		back, err := proto.Decode(d.RejectKind, d.RejectBytes)
		require.NoError(t, err)
		assert.Equal(t, id, back.GetRequestID())
	}

	assert.Empty(t, deny.Filter)
	assert.Nil(t, deny.Frame)
	assert.Nil(t, deny.RejectBytes)
	assert.Empty(t, deny.RejectResponse.Meta().RequestID)
	assert.Nil(t, allow.Request)
}

func TestRemoveFilter(t *testing.T) {
	l := New(Config{Default: Forward}, nil)
	h := l.AddFilter("deny", Any, decide(Reject, "blocked"))
	d := l.ProcessJSONRequest(context.Background(), "CS01", dataTransferFrame())
	require.Equal(t, Reject, d.Kind)

	assert.True(t, l.RemoveFilter(h))
	assert.False(t, l.RemoveFilter(h))
	d = l.ProcessJSONRequest(context.Background(), "CS01", dataTransferFrame())
	assert.Equal(t, Forward, d.Kind)
}

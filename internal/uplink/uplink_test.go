package uplink

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DragonSecurity/ocppnet/internal/dispatch"
	"github.com/DragonSecurity/ocppnet/internal/node"
	"github.com/DragonSecurity/ocppnet/internal/server"
	"github.com/DragonSecurity/ocppnet/pkg/ocpp"
	"github.com/DragonSecurity/ocppnet/pkg/proto"
	"github.com/DragonSecurity/ocppnet/pkg/util"
)

func TestEndpoint(t *testing.T) {
	for base, want := range map[string]string{
		"http://127.0.0.1:8080":       "ws://127.0.0.1:8080/ocpp/LC01",
		"https://csms.example.com/v2": "wss://csms.example.com/v2/ocpp/LC01",
		"wss://csms.example.com":      "wss://csms.example.com/ocpp/LC01",
	} {
		got, err := Endpoint(base, "LC01")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := Endpoint("ftp://x", "LC01")
	assert.Error(t, err)
}

func TestUplinkCarriesRequestsBothWays(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	csms := node.New(node.Config{ID: "CSMS"}, nil)
	csms.Fabric().Subscribe(ocpp.ActionDataTransfer, func(context.Context, dispatch.ConnectionInfo, ocpp.Request) (ocpp.Response, error) {
		return &ocpp.DataTransferResponse{Status: ocpp.DataTransferAccepted, Data: json.RawMessage(`"up"`)}, nil
	})
	ts := httptest.NewServer(server.Handler(ctx, server.Config{}, csms, nil, util.NopLogger()))
	defer ts.Close()

	lc := node.New(node.Config{ID: "LC01", Forwarding: true}, nil)
	lc.Fabric().Subscribe(ocpp.ActionHeartbeat, func(context.Context, dispatch.ConnectionInfo, ocpp.Request) (ocpp.Response, error) {
		return &ocpp.HeartbeatResponse{CurrentTime: time.Now().UTC()}, nil
	})
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{URL: ts.URL, PeerID: "CSMS", SetDefaultRoute: true, MinBackoff: 10 * time.Millisecond}, lc, util.NopLogger())
	}()
	require.Eventually(t, func() bool { return len(csms.Peers()) == 1 && len(lc.Peers()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "CSMS", lc.Routes().Default())

	req := &ocpp.DataTransferRequest{VendorID: "acme"}
	req.Meta().Destination = "CSMS"
	resp := lc.SendRequest(ctx, req)
	require.True(t, resp.Result().IsOK(), resp.Result().String())
	assert.Equal(t, ocpp.DataTransferAccepted, resp.(*ocpp.DataTransferResponse).Status)

	hb := &ocpp.HeartbeatRequest{}
	hb.Meta().Destination = proto.NetworkingNodeID("LC01")
	back := csms.SendRequest(ctx, hb)
	require.True(t, back.Result().IsOK(), back.Result().String())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("uplink did not stop")
	}
}

func TestUplinkReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	csms := node.New(node.Config{ID: "CSMS"}, nil)
	ts := httptest.NewServer(server.Handler(ctx, server.Config{}, csms, nil, util.NopLogger()))
	defer ts.Close()

	lc := node.New(node.Config{ID: "LC01"}, nil)
	go func() {
		_ = Run(ctx, Config{URL: ts.URL, PeerID: "CSMS", MinBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}, lc, util.NopLogger())
	}()
	require.Eventually(t, func() bool { return len(lc.Peers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	first := lc.Peers()[0].Since

	require.NoError(t, csms.Shutdown(ctx))
	require.Eventually(t, func() bool {
		p := lc.Peers()
		return len(p) == 1 && p[0].Since.After(first)
	}, 3*time.Second, 10*time.Millisecond)
}

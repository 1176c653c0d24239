package proto

import (
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetworkPathAppendIsCopy(t *testing.T) {
	p := NewNetworkPath("CS01")
	q := p.Append("LC01")
	r := p.Append("LC02")

	assert.Equal(t, 1, p.Len())
	assert.Equal(t, []NetworkingNodeID{"CS01", "LC01"}, q.Hops())
	assert.Equal(t, []NetworkingNodeID{"CS01", "LC02"}, r.Hops())
	assert.Equal(t, NetworkingNodeID("CS01"), q.Source())
	assert.Equal(t, NetworkingNodeID("LC01"), q.Last())
	assert.True(t, q.Contains("LC01"))
	assert.False(t, p.Contains("LC01"))
}

func TestJSONFrameShapes(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  string
	}{
		{
			name:  "plain call",
			frame: &JSONRequest{RequestID: "19", Action: "Heartbeat", Payload: json.RawMessage(`{}`)},
			want:  `[2,"19","Heartbeat",{}]`,
		},
		{
			name: "extended call",
			frame: &JSONRequest{
				RequestID: "19",
				Action:    "DataTransfer",
				Routed:    Routed{Destination: "CSMS", NetworkPath: NewNetworkPath("CS01", "LC01")},
				Payload:   json.RawMessage(`{"vendorId":"x"}`),
			},
			want: `[2,"19","DataTransfer",{"vendorId":"x"},"CSMS",["CS01","LC01"]]`,
		},
		{
			name:  "plain result",
			frame: &JSONResponse{RequestID: "19", Payload: json.RawMessage(`{"currentTime":"t"}`)},
			want:  `[3,"19",{"currentTime":"t"}]`,
		},
		{
			name: "extended result",
			frame: &JSONResponse{
				RequestID: "19",
				Routed:    Routed{Destination: "CS01"},
			},
			want: `[3,"19",{},"CS01",[]]`,
		},
		{
			name:  "plain error",
			frame: &JSONRequestError{RequestID: "19", ErrorCode: NotImplemented, ErrorDescription: "nope"},
			want:  `[4,"19","NotImplemented","nope",{}]`,
		},
		{
			name: "extended error",
			frame: &JSONRequestError{
				RequestID:        "19",
				Routed:           Routed{Destination: "CS01", NetworkPath: NewNetworkPath("CSMS")},
				ErrorCode:        SecurityError,
				ErrorDescription: "bad signature",
				Details:          json.RawMessage(`{"k":1}`),
			},
			want: `[4,"19","SecurityError","bad signature",{"k":1},"CS01",["CSMS"]]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, ok := tt.frame.(interface{ ToJSON() ([]byte, error) })
			require.True(t, ok)
			b, err := enc.ToJSON()
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(b))

			back, err := ParseJSONFrame(b)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Kind(), back.Kind())
			assert.Equal(t, tt.frame.GetRequestID(), back.GetRequestID())
			assert.Equal(t, tt.frame.GetDestination(), back.GetDestination())
			assert.Equal(t, tt.frame.GetNetworkPath().Hops(), back.GetNetworkPath().Hops())
		})
	}
}

func TestParseJSONFrameErrors(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		code   ErrorCode
		withID bool
	}{
		{"not json", `[2,"1"`, FormationViolation, false},
		{"object", `{"a":1}`, FormationViolation, false},
		{"too short", `[2,"1"]`, ProtocolError, false},
		{"type not int", `["2","1","A",{}]`, FormationViolation, false},
		{"id not string", `[2,1,"A",{}]`, FormationViolation, false},
		{"unknown type", `[7,"1","A",{}]`, MessageTypeNotSupported, true},
		{"call wrong arity", `[2,"1","A",{},"x"]`, ProtocolError, true},
		{"empty action", `[2,"1","",{}]`, FormationViolation, true},
		{"bad path", `[2,"1","A",{},"CSMS",[1]]`, FormationViolation, true},
		{"error code not string", `[4,"1",5,"d",{}]`, FormationViolation, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJSONFrame([]byte(tt.in))
			require.Error(t, err)
			fe, ok := IsFrameError(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, fe.Code)
			if tt.withID {
				assert.Equal(t, RequestID("1"), fe.RequestID)
				require.NotNil(t, fe.Reply())
				assert.Equal(t, tt.code, fe.Reply().ErrorCode)
			} else {
				assert.Nil(t, fe.Reply())
			}
		})
	}
}

func TestBinaryFrameRoundTrip(t *testing.T) {
	req := &BinaryRequest{
		RequestID: "42",
		Action:    "BinaryDataTransfer",
		Routed:    Routed{Destination: "CSMS", NetworkPath: NewNetworkPath("CS01", "LC01")},
		Payload:   []byte{0x01, 0x00, 0xde, 0xad},
	}
	b, err := req.ToBinary()
	require.NoError(t, err)
	f, err := ParseBinaryFrame(b)
	require.NoError(t, err)
	got, ok := f.(*BinaryRequest)
	require.True(t, ok)
	assert.Equal(t, req.RequestID, got.RequestID)
	assert.Equal(t, req.Action, got.Action)
	assert.Equal(t, req.Destination, got.Destination)
	assert.True(t, req.NetworkPath.Equal(got.NetworkPath))
	assert.Equal(t, req.Payload, got.Payload)

	res := &BinaryResponse{RequestID: "42"}
	b, err = res.ToBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x03,
		0x02, 0x00, '4', '2',
		0x00, 0x00,
		0x00, 0x00,
		0, 0, 0, 0, 0, 0, 0, 0,
	}, b)
	f, err = ParseBinaryFrame(b)
	require.NoError(t, err)
	gotRes, ok := f.(*BinaryResponse)
	require.True(t, ok)
	assert.Empty(t, gotRes.Payload)
	assert.True(t, gotRes.NetworkPath.IsEmpty())
}

func TestParseBinaryFrameErrors(t *testing.T) {
	good, err := (&BinaryRequest{RequestID: "7", Action: "A", Payload: []byte{1}}).ToBinary()
	require.NoError(t, err)

	t.Run("truncated", func(t *testing.T) {
		_, err := ParseBinaryFrame(good[:len(good)-1])
		fe, ok := IsFrameError(err)
		require.True(t, ok)
		assert.Equal(t, FormationViolation, fe.Code)
		assert.Equal(t, RequestID("7"), fe.RequestID)
	})
	t.Run("trailing", func(t *testing.T) {
		_, err := ParseBinaryFrame(append(append([]byte(nil), good...), 0))
		require.Error(t, err)
	})
	t.Run("unknown type", func(t *testing.T) {
		bad := append([]byte(nil), good...)
		bad[0] = 9
		_, err := ParseBinaryFrame(bad)
		fe, ok := IsFrameError(err)
		require.True(t, ok)
		assert.Equal(t, MessageTypeNotSupported, fe.Code)
	})
	t.Run("empty", func(t *testing.T) {
		_, err := ParseBinaryFrame(nil)
		require.Error(t, err)
	})
	t.Run("path count beyond frame", func(t *testing.T) {
		// CALLRESULT "9", no destination, 65535 hops announced, none present.
		bad := []byte{byte(CallResult), 1, 0, '9', 0, 0, 0xff, 0xff}
		var before, after runtime.MemStats
		runtime.ReadMemStats(&before)
		_, err := ParseBinaryFrame(bad)
		runtime.ReadMemStats(&after)
		fe, ok := IsFrameError(err)
		require.True(t, ok)
		assert.Equal(t, FormationViolation, fe.Code)
		assert.Equal(t, RequestID("9"), fe.RequestID)
		assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(64<<10), "allocation sized by the announced count")
	})
}

func TestErrorForReversesPath(t *testing.T) {
	e := ErrorFor("1", Routed{Destination: "CSMS", NetworkPath: NewNetworkPath("CS01", "LC01")}, SecurityError, "x")
	assert.Equal(t, NetworkingNodeID("CS01"), e.Destination)
	assert.True(t, e.NetworkPath.IsEmpty())
	assert.Equal(t, "SecurityError: x", e.Error())
}

func TestEncodeDecode(t *testing.T) {
	frames := []Frame{
		&JSONRequest{RequestID: "1", Action: "Heartbeat"},
		&JSONResponse{RequestID: "1"},
		&JSONRequestError{RequestID: "1", ErrorCode: GenericError},
		&BinaryRequest{RequestID: "1", Action: "BinaryDataTransfer"},
		&BinaryResponse{RequestID: "1"},
	}
	for _, f := range frames {
		t.Run(f.Kind().String(), func(t *testing.T) {
			kind, b, err := Encode(f)
			require.NoError(t, err)
			assert.Equal(t, f.Kind().IsBinary(), kind == BinaryMessage)
			back, err := Decode(kind, b)
			require.NoError(t, err)
			assert.Equal(t, f.Kind(), back.Kind())
		})
	}
}

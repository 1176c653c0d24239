package signature

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DragonSecurity/ocppnet/pkg/ocpp"
)

func TestSignAndVerify(t *testing.T) {
	for _, alg := range []Algorithm{Secp256r1, Ed25519} {
		t.Run(string(alg), func(t *testing.T) {
			k, err := GenerateKeyPair(alg)
			require.NoError(t, err)
			e := NewEnforcer(Policy{Sign: []SignRule{{Action: Wildcard, Kind: KindRequest, Keys: []*KeyPair{k}}}})

			req := &ocpp.DataTransferRequest{VendorID: "acme"}
			res := e.SignRequestMessage(req)
			require.True(t, res.IsValid, res.Errors)
			require.Len(t, req.Signatures(), 1)
			assert.Equal(t, string(alg), req.Signatures()[0].Algorithm)

			assert.True(t, e.VerifyRequestMessage(req).IsValid)

			req.VendorID = "tampered"
			res = e.VerifyRequestMessage(req)
			assert.False(t, res.IsValid)
			assert.Len(t, res.Errors, 1)
			assert.Error(t, res.Err())
		})
	}
}

func TestSignBinaryMessageSurvivesWire(t *testing.T) {
	k, err := GenerateKeyPair(Ed25519)
	require.NoError(t, err)
	e := NewEnforcer(Policy{})
	e.AddSigningKey(ocpp.ActionBinaryDataTransfer, KindResponse, k)

	resp := &ocpp.BinaryDataTransferResponse{Status: ocpp.DataTransferAccepted, Data: []byte{1, 2}}
	require.True(t, e.SignResponseMessage(resp).IsValid)

	b, err := resp.ToBinary(nil)
	require.NoError(t, err)
	parsed, err := ocpp.ParseBinaryDataTransferResponse(b, nil)
	require.NoError(t, err)

	verifier := NewEnforcer(Policy{Verify: []VerifyRule{{Action: Wildcard, Kind: KindResponse, Mode: Require}}})
	verifier.TrustKey(k.PublicKeyBytes())
	assert.True(t, verifier.VerifyResponseMessage(parsed).IsValid)
}

func TestVerifyModes(t *testing.T) {
	unsigned := &ocpp.HeartbeatRequest{}

	e := NewEnforcer(Policy{})
	assert.True(t, e.VerifyRequestMessage(unsigned).IsValid)

	e.AddVerifyRule(VerifyRule{Action: ocpp.ActionHeartbeat, Kind: KindRequest, Mode: Require})
	res := e.VerifyRequestMessage(unsigned)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Errors[0], "signature required")

	ignoring := NewEnforcer(Policy{Verify: []VerifyRule{{Action: Wildcard, Kind: KindRequest, Mode: Ignore}}})
	bogus := &ocpp.HeartbeatRequest{}
	bogus.AddSignature(ocpp.Signature{Algorithm: "ed25519", KeyID: []byte{1}, Value: []byte{2}})
	assert.True(t, ignoring.VerifyRequestMessage(bogus).IsValid)
	assert.False(t, e.VerifyRequestMessage(bogus).IsValid)
}

func TestUntrustedKeyFails(t *testing.T) {
	signer, err := GenerateKeyPair(Secp256r1)
	require.NoError(t, err)
	other, err := GenerateKeyPair(Secp256r1)
	require.NoError(t, err)

	e := NewEnforcer(Policy{})
	e.AddSigningKey(Wildcard, KindRequest, signer)
	e.TrustKey(other.PublicKeyBytes())

	req := &ocpp.HeartbeatRequest{}
	require.True(t, e.SignRequestMessage(req).IsValid)
	res := e.VerifyRequestMessage(req)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Errors[0], "not trusted")
}

func TestKeyPEMRoundTrip(t *testing.T) {
	for _, alg := range []Algorithm{Secp256r1, Ed25519} {
		k, err := GenerateKeyPair(alg)
		require.NoError(t, err)
		b, err := k.MarshalPEM()
		require.NoError(t, err)
		back, err := ParseKeyPairPEM(b)
		require.NoError(t, err)
		assert.Equal(t, alg, back.Algorithm())
		assert.Equal(t, k.PublicKeyBytes(), back.PublicKeyBytes())
	}
	_, err := GenerateKeyPair("rsa")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestConcurrentSigning(t *testing.T) {
	k, err := GenerateKeyPair(Ed25519)
	require.NoError(t, err)
	e := NewEnforcer(Policy{})
	e.AddSigningKey(Wildcard, KindRequest, k)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := &ocpp.HeartbeatRequest{}
			assert.True(t, e.SignRequestMessage(req).IsValid)
			assert.True(t, e.VerifyRequestMessage(req).IsValid)
		}()
		if i == 16 {
			e.TrustKey(k.PublicKeyBytes())
		}
	}
	wg.Wait()
}

func TestSigningFailureIsSignatureError(t *testing.T) {
	res := invalid("boom")
	var re *ocpp.ResultError
	require.ErrorAs(t, res.Err(), &re)
	assert.Equal(t, ocpp.ResultSignatureError, re.Result.Code)
}

package ocpp

import (
	"fmt"
	"time"

	"github.com/DragonSecurity/ocppnet/pkg/wire"
)

// Signature is one cryptographic signature attached to a message. KeyID
// holds the signer's public key so verifiers can check it without a lookup.
type Signature struct {
	Algorithm string    `json:"algorithm"`
	KeyID     []byte    `json:"keyId"`
	Value     []byte    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalBinary encodes the signature as it appears in a binary signature
// block: algorithm, key id, value and a unix-millisecond timestamp.
func (s Signature) MarshalBinary() ([]byte, error) {
	w := wire.NewPlainWriter()
	w.String16(s.Algorithm)
	w.Bytes16(s.KeyID)
	w.Bytes16(s.Value)
	w.Uint64(uint64(s.Timestamp.UnixMilli()))
	return w.Bytes()
}

func (s *Signature) UnmarshalBinary(b []byte) error {
	r := wire.NewReader(b)
	alg, err := r.String16()
	if err != nil {
		return err
	}
	key, err := r.Bytes16()
	if err != nil {
		return err
	}
	val, err := r.Bytes16()
	if err != nil {
		return err
	}
	ms, err := r.Uint64()
	if err != nil {
		return err
	}
	if err := r.Done(); err != nil {
		return err
	}
	*s = Signature{Algorithm: alg, KeyID: key, Value: val, Timestamp: time.UnixMilli(int64(ms)).UTC()}
	return nil
}

func writeSignatures(w *wire.Writer, sigs []Signature) {
	raw := make([][]byte, 0, len(sigs))
	for i, s := range sigs {
		b, err := s.MarshalBinary()
		if err != nil {
			w.Fail(fmt.Errorf("signature %d: %w", i, err))
			return
		}
		raw = append(raw, b)
	}
	w.SignatureBlock(raw)
}

func readSignatures(r *wire.Reader) ([]Signature, error) {
	raw, err := r.SignatureBlock()
	if err != nil {
		return nil, err
	}
	var sigs []Signature
	for i, b := range raw {
		var s Signature
		if err := s.UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		sigs = append(sigs, s)
	}
	return sigs, nil
}

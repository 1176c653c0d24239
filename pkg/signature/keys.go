package signature

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// Algorithm names as they appear in a signature's algorithm field.
type Algorithm string

const (
	Secp256r1 Algorithm = "secp256r1"
	Ed25519   Algorithm = "ed25519"
)

var ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")

// KeyPair is a private key used to sign outbound messages. The public half
// is carried in PKIX DER form inside every signature it produces.
type KeyPair struct {
	alg  Algorithm
	priv crypto.Signer
	pub  []byte
}

func GenerateKeyPair(alg Algorithm) (*KeyPair, error) {
	var (
		priv crypto.Signer
		err  error
	)
	switch alg {
	case Secp256r1:
		priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case Ed25519:
		_, priv, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, fmt.Errorf("%q: %w", alg, ErrUnsupportedAlgorithm)
	}
	if err != nil {
		return nil, err
	}
	return newKeyPair(alg, priv)
}

func newKeyPair(alg Algorithm, priv crypto.Signer) (*KeyPair, error) {
	pub, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return nil, err
	}
	return &KeyPair{alg: alg, priv: priv, pub: pub}, nil
}

func (k *KeyPair) Algorithm() Algorithm { return k.alg }

// PublicKeyBytes returns the PKIX DER encoding of the public key.
func (k *KeyPair) PublicKeyBytes() []byte { return append([]byte(nil), k.pub...) }

func (k *KeyPair) Sign(msg []byte) ([]byte, error) {
	switch p := k.priv.(type) {
	case *ecdsa.PrivateKey:
		sum := sha256.Sum256(msg)
		return ecdsa.SignASN1(rand.Reader, p, sum[:])
	case ed25519.PrivateKey:
		return ed25519.Sign(p, msg), nil
	}
	return nil, ErrUnsupportedAlgorithm
}

// MarshalPEM encodes the private key as a PKCS#8 PEM block.
func (k *KeyPair) MarshalPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParseKeyPairPEM loads a PKCS#8 private key written by MarshalPEM.
func ParseKeyPairPEM(b []byte) (*KeyPair, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	switch p := key.(type) {
	case *ecdsa.PrivateKey:
		if p.Curve != elliptic.P256() {
			return nil, fmt.Errorf("curve %s: %w", p.Curve.Params().Name, ErrUnsupportedAlgorithm)
		}
		return newKeyPair(Secp256r1, p)
	case ed25519.PrivateKey:
		return newKeyPair(Ed25519, p)
	}
	return nil, fmt.Errorf("%T: %w", key, ErrUnsupportedAlgorithm)
}

// ParsePublicKeysPEM returns the PKIX DER bytes of every PUBLIC KEY block in b.
func ParsePublicKeysPEM(b []byte) ([][]byte, error) {
	var out [][]byte
	for {
		var block *pem.Block
		block, b = pem.Decode(b)
		if block == nil {
			break
		}
		if block.Type != "PUBLIC KEY" {
			continue
		}
		if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
			return nil, err
		}
		out = append(out, block.Bytes)
	}
	return out, nil
}

// verify checks sig over msg with a PKIX DER public key.
func verify(alg Algorithm, pubDER, msg, sig []byte) error {
	pub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	switch p := pub.(type) {
	case *ecdsa.PublicKey:
		if alg != Secp256r1 || p.Curve != elliptic.P256() {
			return fmt.Errorf("key does not match algorithm %q", alg)
		}
		sum := sha256.Sum256(msg)
		if !ecdsa.VerifyASN1(p, sum[:], sig) {
			return errors.New("invalid signature")
		}
		return nil
	case ed25519.PublicKey:
		if alg != Ed25519 {
			return fmt.Errorf("key does not match algorithm %q", alg)
		}
		if !ed25519.Verify(p, msg, sig) {
			return errors.New("invalid signature")
		}
		return nil
	}
	return fmt.Errorf("%T: %w", pub, ErrUnsupportedAlgorithm)
}

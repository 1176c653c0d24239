// Package signature signs outbound messages and verifies inbound ones
// according to a configured policy.
package signature

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/DragonSecurity/ocppnet/pkg/ocpp"
)

// Kind selects whether a rule applies to requests or responses.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// Wildcard matches every action in a rule.
const Wildcard = "*"

// Mode is how strictly inbound signatures are checked.
type Mode int

const (
	// Verify checks attached signatures but accepts unsigned messages.
	Verify Mode = iota
	Ignore
	Require
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "verify", "":
		return Verify, nil
	case "ignore":
		return Ignore, nil
	case "require":
		return Require, nil
	}
	return Verify, fmt.Errorf("unknown verification mode %q", s)
}

type SignRule struct {
	Action string
	Kind   Kind
	Keys   []*KeyPair
}

type VerifyRule struct {
	Action string
	Kind   Kind
	Mode   Mode
}

// Policy lists signing and verification rules in priority order. When
// RejectInvalidInbound is false a failed verification is reported to the
// caller but the message is still processed.
type Policy struct {
	Sign                 []SignRule
	Verify               []VerifyRule
	RejectInvalidInbound bool
}

func matches(ruleAction string, ruleKind Kind, action string, kind Kind) bool {
	return ruleKind == kind && (ruleAction == action || ruleAction == Wildcard)
}

// Result of one signing or verification pass.
type Result struct {
	IsValid bool
	Errors  []string
}

func valid() Result { return Result{IsValid: true} }

func invalid(format string, args ...any) Result {
	return Result{Errors: []string{fmt.Sprintf(format, args...)}}
}

// Err converts an invalid result into an ocpp.ResultSignatureError error.
func (r Result) Err() error {
	if r.IsValid {
		return nil
	}
	return ocpp.Errorf(ocpp.ResultSignatureError, "%s", strings.Join(r.Errors, "; "))
}

// Enforcer applies a Policy. Key material may be added while messages are
// processed; readers never block each other.
type Enforcer struct {
	mu      sync.RWMutex
	policy  Policy
	trusted [][]byte
	now     func() time.Time
}

func NewEnforcer(p Policy) *Enforcer {
	return &Enforcer{policy: p, now: time.Now}
}

// AddSigningKey appends a signing rule for action and kind.
func (e *Enforcer) AddSigningKey(action string, kind Kind, k *KeyPair) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy.Sign = append(e.policy.Sign, SignRule{Action: action, Kind: kind, Keys: []*KeyPair{k}})
}

// TrustKey restricts verification to signatures made by trusted keys. With
// no trusted keys any well-formed signature is accepted.
func (e *Enforcer) TrustKey(pubDER []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trusted = append(e.trusted, append([]byte(nil), pubDER...))
}

func (e *Enforcer) AddVerifyRule(r VerifyRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy.Verify = append(e.policy.Verify, r)
}

func (e *Enforcer) RejectInvalidInbound() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy.RejectInvalidInbound
}

func (e *Enforcer) SignRequestMessage(msg ocpp.Request) Result {
	return e.sign(msg, KindRequest)
}

func (e *Enforcer) SignResponseMessage(msg ocpp.Response) Result {
	return e.sign(msg, KindResponse)
}

func (e *Enforcer) VerifyRequestMessage(msg ocpp.Request) Result {
	return e.verify(msg, KindRequest)
}

func (e *Enforcer) VerifyResponseMessage(msg ocpp.Response) Result {
	return e.verify(msg, KindResponse)
}

func (e *Enforcer) keysFor(action string, kind Kind) []*KeyPair {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var keys []*KeyPair
	for _, r := range e.policy.Sign {
		if matches(r.Action, r.Kind, action, kind) {
			keys = append(keys, r.Keys...)
		}
	}
	return keys
}

func (e *Enforcer) sign(msg ocpp.Message, kind Kind) Result {
	keys := e.keysFor(msg.Action(), kind)
	if len(keys) == 0 {
		return valid()
	}
	payload, err := msg.SigningBytes()
	if err != nil {
		return invalid("%s %s: serialize for signing: %v", msg.Action(), kind, err)
	}
	sigs := make([]ocpp.Signature, 0, len(keys))
	for _, k := range keys {
		v, err := k.Sign(payload)
		if err != nil {
			return invalid("%s %s: sign with %s key: %v", msg.Action(), kind, k.Algorithm(), err)
		}
		sigs = append(sigs, ocpp.Signature{
			Algorithm: string(k.Algorithm()),
			KeyID:     k.PublicKeyBytes(),
			Value:     v,
			Timestamp: e.now().UTC(),
		})
	}
	for _, s := range sigs {
		msg.AddSignature(s)
	}
	return valid()
}

func (e *Enforcer) modeFor(action string, kind Kind) Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.policy.Verify {
		if matches(r.Action, r.Kind, action, kind) {
			return r.Mode
		}
	}
	return Verify
}

func (e *Enforcer) isTrusted(pub []byte) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.trusted) == 0 {
		return true
	}
	for _, t := range e.trusted {
		if bytes.Equal(t, pub) {
			return true
		}
	}
	return false
}

func (e *Enforcer) verify(msg ocpp.Message, kind Kind) Result {
	mode := e.modeFor(msg.Action(), kind)
	if mode == Ignore {
		return valid()
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		if mode == Require {
			return invalid("%s %s: signature required", msg.Action(), kind)
		}
		return valid()
	}
	payload, err := msg.SigningBytes()
	if err != nil {
		return invalid("%s %s: serialize for verification: %v", msg.Action(), kind, err)
	}
	res := valid()
	for i, s := range sigs {
		err := verify(Algorithm(s.Algorithm), s.KeyID, payload, s.Value)
		if err == nil && !e.isTrusted(s.KeyID) {
			err = errors.New("key is not trusted")
		}
		if err != nil {
			res.IsValid = false
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s: signature %d: %v", msg.Action(), kind, i, err))
		}
	}
	return res
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Signature verification errors
var (
	ErrMissingHeaders = errors.New("missing signed headers")
	ErrBadSignature   = errors.New("signature mismatch")
	ErrStaleRequest   = errors.New("request timestamp outside allowed skew")
)

// Crypto is the set of primitives the protocol relies on.
type Crypto interface {
	SHA256(data []byte) []byte
	HMACSHA256(key, data []byte) []byte
	RandomUUID() string
}

// StdCrypto implements Crypto with crypto/sha256, crypto/hmac and google/uuid.
type StdCrypto struct{}

func (StdCrypto) SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func (StdCrypto) HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func (StdCrypto) RandomUUID() string { return uuid.NewString() }

// Signer derives hashes, idempotency keys and signatures for events and requests.
type Signer struct {
	Crypto Crypto
}

// NewSigner returns a Signer; a nil crypto falls back to StdCrypto.
func NewSigner(c Crypto) *Signer {
	if c == nil {
		c = StdCrypto{}
	}
	return &Signer{Crypto: c}
}

// PayloadHash is the hex SHA-256 of the payload bytes exactly as they travel in the envelope.
func (s *Signer) PayloadHash(payload []byte) string {
	return hex.EncodeToString(s.Crypto.SHA256(payload))
}

// IdempotencyKey depends only on (device_id, device_seq, event_type, payload_hash), so a retried
// event always carries the same key.
func (s *Signer) IdempotencyKey(deviceID string, deviceSeq int64, eventType, payloadHash string) string {
	msg := deviceID + "|" + strconv.FormatInt(deviceSeq, 10) + "|" + eventType + "|" + payloadHash
	return hex.EncodeToString(s.Crypto.SHA256([]byte(msg)))
}

// EventSignature signs (payload_hash, prev_hash, device_seq, event_type) with the device secret.
// A nil prevHash (first chain entry) is signed as the empty string.
func (s *Signer) EventSignature(secret, payloadHash string, prevHash *string, deviceSeq int64, eventType string) string {
	prev := ""
	if prevHash != nil {
		prev = *prevHash
	}
	msg := payloadHash + "|" + prev + "|" + strconv.FormatInt(deviceSeq, 10) + "|" + eventType
	return hex.EncodeToString(s.Crypto.HMACSHA256([]byte(secret), []byte(msg)))
}

// SignEnvelope sets the envelope signature using the given secret.
func (s *Signer) SignEnvelope(env *EventEnvelope, secret string) {
	sig := s.EventSignature(secret, env.PayloadHash, env.PrevHash, env.DeviceSeq, env.EventType)
	env.Signature = &sig
}

// RequestSignature is the HMAC over (timestamp, idempotency key, sha256(body)).
func (s *Signer) RequestSignature(secret, timestamp, idempotencyKey string, body []byte) string {
	bodyHash := hex.EncodeToString(s.Crypto.SHA256(body))
	msg := timestamp + "\n" + idempotencyKey + "\n" + bodyHash
	return hex.EncodeToString(s.Crypto.HMACSHA256([]byte(secret), []byte(msg)))
}

// RequestIdentity identifies the calling terminal on a signed request.
type RequestIdentity struct {
	DeviceID     string
	TerminalCode string
	Secret       string
}

// SignRequest stamps the signed header block onto an outgoing request.
func (s *Signer) SignRequest(req *http.Request, id RequestIdentity, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	key := s.Crypto.RandomUUID()
	req.Header.Set(HeaderDeviceID, id.DeviceID)
	req.Header.Set(HeaderTerminalCode, id.TerminalCode)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderIdempotencyKey, key)
	req.Header.Set(HeaderSignature, s.RequestSignature(id.Secret, ts, key, body))
}

// VerifyRequest checks the signed header block of an incoming request against the secret.
// A zero maxSkew disables the timestamp window check.
func (s *Signer) VerifyRequest(h http.Header, secret string, body []byte, now time.Time, maxSkew time.Duration) error {
	ts := h.Get(HeaderTimestamp)
	key := h.Get(HeaderIdempotencyKey)
	sig := h.Get(HeaderSignature)
	if ts == "" || key == "" || sig == "" || h.Get(HeaderDeviceID) == "" {
		return ErrMissingHeaders
	}
	if maxSkew > 0 {
		ms, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad timestamp %q", ErrMissingHeaders, ts)
		}
		if d := now.Sub(time.UnixMilli(ms)); d > maxSkew || d < -maxSkew {
			return ErrStaleRequest
		}
	}
	want := s.RequestSignature(secret, ts, key, body)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

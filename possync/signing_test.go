package possync

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdempotencyKey_StableAcrossCalls(t *testing.T) {
	s := NewSigner(nil)
	hash := s.PayloadHash([]byte(`{"items":[]}`))

	k1 := s.IdempotencyKey("dev-1", 7, EventSaleCreated, hash)
	k2 := s.IdempotencyKey("dev-1", 7, EventSaleCreated, hash)
	require.Equal(t, k1, k2)
	require.Len(t, k1, 64)

	require.NotEqual(t, k1, s.IdempotencyKey("dev-1", 8, EventSaleCreated, hash))
	require.NotEqual(t, k1, s.IdempotencyKey("dev-2", 7, EventSaleCreated, hash))
	require.NotEqual(t, k1, s.IdempotencyKey("dev-1", 7, EventSaleCreated, s.PayloadHash([]byte(`{}`))))
}

func TestEventSignature_NilPrevHashMatchesEmpty(t *testing.T) {
	s := NewSigner(nil)
	empty := ""
	require.Equal(t,
		s.EventSignature("secret", "abc", nil, 1, EventSaleCreated),
		s.EventSignature("secret", "abc", &empty, 1, EventSaleCreated))
	require.NotEqual(t,
		s.EventSignature("secret", "abc", nil, 1, EventSaleCreated),
		s.EventSignature("other", "abc", nil, 1, EventSaleCreated))
}

func TestSignAndVerifyRequest(t *testing.T) {
	s := NewSigner(nil)
	now := time.Now()
	body := []byte(`{"events":[]}`)
	req, err := http.NewRequest(http.MethodPost, "http://example/sync/push", nil)
	require.NoError(t, err)

	s.SignRequest(req, RequestIdentity{DeviceID: "dev-1", TerminalCode: "POS-b1-01", Secret: "s3cr3t"}, body, now)
	require.Equal(t, "dev-1", req.Header.Get(HeaderDeviceID))
	require.Equal(t, "POS-b1-01", req.Header.Get(HeaderTerminalCode))
	require.NotEmpty(t, req.Header.Get(HeaderIdempotencyKey))

	require.NoError(t, s.VerifyRequest(req.Header, "s3cr3t", body, now, time.Minute))
	require.ErrorIs(t, s.VerifyRequest(req.Header, "wrong", body, now, time.Minute), ErrBadSignature)
	require.ErrorIs(t, s.VerifyRequest(req.Header, "s3cr3t", []byte(`{"events":[1]}`), now, time.Minute), ErrBadSignature)
	require.ErrorIs(t, s.VerifyRequest(req.Header, "s3cr3t", body, now.Add(10*time.Minute), time.Minute), ErrStaleRequest)
	require.ErrorIs(t, s.VerifyRequest(http.Header{}, "s3cr3t", body, now, 0), ErrMissingHeaders)
}

func TestSignRequest_FreshIdempotencyKeyPerRequest(t *testing.T) {
	s := NewSigner(nil)
	id := RequestIdentity{DeviceID: "dev-1", TerminalCode: "t", Secret: "k"}
	r1, _ := http.NewRequest(http.MethodGet, "http://example/sync/pull", nil)
	r2, _ := http.NewRequest(http.MethodGet, "http://example/sync/pull", nil)
	s.SignRequest(r1, id, nil, time.Now())
	s.SignRequest(r2, id, nil, time.Now())
	require.NotEqual(t, r1.Header.Get(HeaderIdempotencyKey), r2.Header.Get(HeaderIdempotencyKey))
}

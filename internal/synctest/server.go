// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package synctest provides an in-memory sync server speaking the terminal protocol:
// device registration, signed bootstrap/push/pull, scriptable push results and pull pages.
package synctest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/mobiletoly/go-possync/possync"
)

// Endpoint names used by Calls
const (
	EndpointRegister  = "register"
	EndpointBootstrap = "bootstrap"
	EndpointPush      = "push"
	EndpointPull      = "pull"
)

// Device is a terminal the server issued a secret to
type Device struct {
	BranchID     string
	DeviceID     string
	TerminalCode string
	Secret       string
	KeyVersion   int
}

type deviceKey struct{}

// verifiedDevice returns the device whose signature the auth middleware accepted.
func verifiedDevice(ctx context.Context) Device {
	dev, _ := ctx.Value(deviceKey{}).(Device)
	return dev
}

// Responder decides the result of an event that passed signature and idempotency checks.
type Responder func(env possync.EventEnvelope) possync.PushResult

// Server is an httptest-backed sync server
type Server struct {
	URL string

	srv    *httptest.Server
	logger *slog.Logger
	signer *possync.Signer
	now    func() time.Time

	mu           sync.Mutex
	jwt          *possync.JWTAuth
	devices      map[string]*Device
	orders       map[string]string // idempotency key -> server order id
	orderSeq     int
	received     []possync.EventEnvelope
	snapshot     possync.BootstrapResponse
	pages        []possync.PullResponse
	pullQueries  []url.Values
	responder    Responder
	failPushes   int
	failBoots    int
	failRegister bool
	pushGate     chan struct{}
	calls        map[string]int
}

// New starts a server on a random local port. Call Close when done.
func New() *Server {
	s := &Server{
		logger:  slog.Default(),
		signer:  possync.NewSigner(nil),
		now:     time.Now,
		devices: map[string]*Device{},
		orders:  map[string]string{},
		calls:   map[string]int{},
	}
	s.srv = httptest.NewServer(s.Handler())
	s.URL = s.srv.URL
	return s
}

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// Handler returns the routing handler, usable without the embedded listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/devices/register", s.handleRegister)
	mux.Handle("/sync/bootstrap", s.authenticate(http.HandlerFunc(s.handleBootstrap)))
	mux.Handle("/sync/push", s.authenticate(http.HandlerFunc(s.handlePush)))
	mux.Handle("/sync/pull", s.authenticate(http.HandlerFunc(s.handlePull)))
	return mux
}

// RequireJWT makes every sync endpoint also demand a bearer token whose bid matches the device branch.
func (s *Server) RequireJWT(a *possync.JWTAuth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jwt = a
}

// SetSnapshot sets what /sync/bootstrap serves.
func (s *Server) SetSnapshot(b possync.BootstrapResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = b
}

// QueuePull queues pages served by /sync/pull in order; an empty queue serves an empty page.
func (s *Server) QueuePull(pages ...possync.PullResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, pages...)
}

// SetResponder overrides the default "accept everything" behavior.
func (s *Server) SetResponder(fn Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = fn
}

// FailPushes makes the next n push calls answer 503.
func (s *Server) FailPushes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPushes = n
}

// FailBootstraps makes the next n bootstrap calls answer 503.
func (s *Server) FailBootstraps(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBoots = n
}

// FailRegistration makes /devices/register answer 503 while on.
func (s *Server) FailRegistration(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRegister = on
}

// HoldPushes blocks push handlers until the returned release func is called.
func (s *Server) HoldPushes() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.pushGate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.pushGate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// RevokeDevice forgets a device so its signed calls get 401.
func (s *Server) RevokeDevice(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, deviceID)
}

// Calls returns how many requests reached an endpoint.
func (s *Server) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

// Received returns every envelope pushed so far, duplicates included.
func (s *Server) Received() []possync.EventEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]possync.EventEnvelope(nil), s.received...)
}

// PullQueries returns the query strings of all pull calls.
func (s *Server) PullQueries() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.pullQueries...)
}

// Device returns a registered device.
func (s *Server) Device(deviceID string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

func (s *Server) count(endpoint string) {
	s.mu.Lock()
	s.calls[endpoint]++
	s.mu.Unlock()
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	s.count(EndpointRegister)

	var req possync.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse register request")
		return
	}
	if req.BranchID == "" || req.DeviceID == "" || req.TerminalCode == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "branch_id, device_id and terminal_code are required")
		return
	}

	s.mu.Lock()
	if s.failRegister {
		s.mu.Unlock()
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "registration is down")
		return
	}
	d, ok := s.devices[req.DeviceID]
	if !ok {
		d = &Device{BranchID: req.BranchID, DeviceID: req.DeviceID, TerminalCode: req.TerminalCode}
		s.devices[req.DeviceID] = d
	}
	d.KeyVersion++
	d.Secret = s.signer.Crypto.RandomUUID()
	resp := possync.RegisterResponse{KeyVersion: d.KeyVersion, DeviceSecret: d.Secret}
	s.mu.Unlock()

	s.writeJSON(w, resp)
}

// authenticate verifies the signed header block (and the bearer token when required) and puts
// the device identity into the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read body")
			return
		}

		s.mu.Lock()
		d, ok := s.devices[r.Header.Get(possync.HeaderDeviceID)]
		var dev Device
		if ok {
			dev = *d
		}
		jwtAuth := s.jwt
		s.mu.Unlock()

		if !ok {
			s.writeError(w, http.StatusUnauthorized, "authentication_failed", "unknown device")
			return
		}
		if err := s.signer.VerifyRequest(r.Header, dev.Secret, body, s.now(), 5*time.Minute); err != nil {
			s.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
			return
		}
		if jwtAuth != nil {
			claims, err := jwtAuth.ValidateRequest(r)
			if err != nil {
				s.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
				return
			}
			if claims.BranchID != dev.BranchID {
				s.writeError(w, http.StatusForbidden, "forbidden", "token branch does not match device")
				return
			}
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		ctx := context.WithValue(r.Context(), deviceKey{}, dev)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	s.count(EndpointBootstrap)
	if !s.branchMatches(w, r) {
		return
	}

	s.mu.Lock()
	if s.failBoots > 0 {
		s.failBoots--
		s.mu.Unlock()
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "bootstrap temporarily unavailable")
		return
	}
	resp := s.snapshot
	s.mu.Unlock()
	if resp.ServerTime.IsZero() {
		resp.ServerTime = s.now().UTC()
	}
	s.writeJSON(w, resp)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	s.count(EndpointPull)
	if !s.branchMatches(w, r) {
		return
	}

	s.mu.Lock()
	s.pullQueries = append(s.pullQueries, r.URL.Query())
	var resp possync.PullResponse
	if len(s.pages) > 0 {
		resp = s.pages[0]
		s.pages = s.pages[1:]
	}
	s.mu.Unlock()
	if resp.ServerTime.IsZero() {
		resp.ServerTime = s.now().UTC()
	}
	s.writeJSON(w, resp)
}

func (s *Server) branchMatches(w http.ResponseWriter, r *http.Request) bool {
	if q := r.URL.Query().Get("branch_id"); q != "" && q != verifiedDevice(r.Context()).BranchID {
		s.writeError(w, http.StatusForbidden, "forbidden", "branch does not match device")
		return false
	}
	return true
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	s.count(EndpointPush)

	s.mu.Lock()
	gate := s.pushGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	if s.failPushes > 0 {
		s.failPushes--
		s.mu.Unlock()
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "push temporarily unavailable")
		return
	}
	s.mu.Unlock()

	var req possync.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}

	dev := verifiedDevice(r.Context())

	resp := possync.PushResponse{Results: make([]possync.PushResult, 0, len(req.Events))}
	for _, env := range req.Events {
		resp.Results = append(resp.Results, s.processEvent(dev.BranchID, dev, env))
	}
	s.writeJSON(w, resp)
}

func (s *Server) processEvent(branchID string, dev Device, env possync.EventEnvelope) possync.PushResult {
	s.mu.Lock()
	s.received = append(s.received, env)
	s.mu.Unlock()

	if env.BranchID != branchID || env.DeviceID != dev.DeviceID {
		return possync.Rejected(env.EventID, possync.CodeBadPayload, "event does not belong to the calling device")
	}
	hash := s.signer.PayloadHash(env.Payload)
	if hash != env.PayloadHash {
		return possync.Rejected(env.EventID, possync.CodeBadPayload, "payload hash mismatch")
	}
	if key := s.signer.IdempotencyKey(env.DeviceID, env.DeviceSeq, env.EventType, hash); key != env.IdempotencyKey {
		return possync.Rejected(env.EventID, possync.CodeBadPayload, "idempotency key mismatch")
	}
	want := s.signer.EventSignature(dev.Secret, env.PayloadHash, env.PrevHash, env.DeviceSeq, env.EventType)
	if env.Signature == nil || *env.Signature != want {
		return possync.Rejected(env.EventID, possync.CodeBadSignature, "event signature mismatch")
	}

	s.mu.Lock()
	if orderID, ok := s.orders[env.IdempotencyKey]; ok {
		s.mu.Unlock()
		return possync.Duplicate(env.EventID, orderID)
	}
	responder := s.responder
	s.mu.Unlock()

	var res possync.PushResult
	if responder != nil {
		res = responder(env)
		res.EventID = env.EventID
	} else {
		s.mu.Lock()
		s.orderSeq++
		orderID := fmt.Sprintf("S-%d", s.orderSeq)
		s.mu.Unlock()
		res = possync.Accepted(env.EventID, orderID, "open")
	}
	if res.Status == possync.StAccepted && res.ServerRefs != nil && res.ServerRefs.OrderID != "" {
		s.mu.Lock()
		s.orders[env.IdempotencyKey] = res.ServerRefs.OrderID
		s.mu.Unlock()
	}
	return res
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(possync.ErrorResponse{Error: code, Message: message})
}

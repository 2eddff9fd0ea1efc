// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Scheduler intervals
const (
	DefaultSyncInterval = 10 * time.Second
	MinSyncInterval     = 2 * time.Second
)

// SchedulerState is the per-branch cycle state
type SchedulerState int

const (
	StateIdle SchedulerState = iota
	StateRunning
)

func (s SchedulerState) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// Connectivity reports whether the sync server is believed reachable.
type Connectivity interface {
	Online() bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func() bool

func (f ConnectivityFunc) Online() bool { return f() }

// AlwaysOnline never skips a cycle; transport errors decide instead.
var AlwaysOnline Connectivity = ConnectivityFunc(func() bool { return true })

// CycleReport describes one sync cycle of a branch
type CycleReport struct {
	BranchID     string
	Skipped      bool // offline
	Bootstrapped bool
	BootstrapErr error // absorbed transport failure; pull is skipped
	Push         *PushReport
	PushErr      error // absorbed transport failure
	Pull         *PullReport
	StartedAt    time.Time
	FinishedAt   time.Time
}

type branchState struct {
	state    SchedulerState
	inFlight int // callers inside Sync, including joiners
	last     *CycleReport
	lastErr  error
}

// Scheduler runs sync cycles per branch. Concurrent triggers for the same branch join the cycle
// already in flight instead of starting another one.
type Scheduler struct {
	client   *Client
	logger   *slog.Logger
	interval time.Duration
	online   Connectivity

	group singleflight.Group

	mu       sync.Mutex
	branches map[string]*branchState
	order    []string

	wake      chan string
	reconnect chan struct{}

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler for the given branches. Commits on the client wake it.
func NewScheduler(client *Client, interval time.Duration, online Connectivity, branches ...string) *Scheduler {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	if interval < MinSyncInterval {
		interval = MinSyncInterval
	}
	if online == nil {
		online = AlwaysOnline
	}
	s := &Scheduler{
		client:    client,
		logger:    client.logger,
		interval:  interval,
		online:    online,
		branches:  map[string]*branchState{},
		wake:      make(chan string, 64),
		reconnect: make(chan struct{}, 1),
	}
	for _, b := range branches {
		s.AddBranch(b)
	}
	client.OnCommit(s.SyncNow)
	return s
}

// Interval returns the effective tick interval.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// AddBranch includes a branch in periodic cycles.
func (s *Scheduler) AddBranch(branchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branchLocked(branchID)
}

func (s *Scheduler) branchLocked(branchID string) *branchState {
	st, ok := s.branches[branchID]
	if !ok {
		st = &branchState{}
		s.branches[branchID] = st
		s.order = append(s.order, branchID)
		sort.Strings(s.order)
	}
	return st
}

// State returns Idle or Running for a branch.
func (s *Scheduler) State(branchID string) SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.branches[branchID]; ok {
		return st.state
	}
	return StateIdle
}

// LastCycle returns the most recent completed cycle of a branch.
func (s *Scheduler) LastCycle(branchID string) (*CycleReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.branches[branchID]; ok {
		return st.last, st.lastErr
	}
	return nil, nil
}

func (s *Scheduler) inFlight(branchID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.branches[branchID]; ok {
		return st.inFlight
	}
	return 0
}

// Sync runs one cycle for branchID, or waits for the one already running and returns its result.
// The cycle itself is not cancelled by ctx once started.
func (s *Scheduler) Sync(ctx context.Context, branchID string) (*CycleReport, error) {
	s.mu.Lock()
	s.branchLocked(branchID).inFlight++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.branches[branchID].inFlight--
		s.mu.Unlock()
	}()

	cycleCtx := context.WithoutCancel(ctx)
	v, err, shared := s.group.Do(branchID, func() (any, error) {
		s.setState(branchID, StateRunning, nil, nil)
		report, err := s.runCycle(cycleCtx, branchID)
		s.setState(branchID, StateIdle, report, err)
		return report, err
	})
	if shared {
		s.logger.Debug("joined in-flight sync cycle", "branch_id", branchID)
	}
	report, _ := v.(*CycleReport)
	return report, err
}

func (s *Scheduler) setState(branchID string, state SchedulerState, report *CycleReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.branchLocked(branchID)
	st.state = state
	if state == StateIdle {
		st.last = report
		st.lastErr = err
	}
}

// runCycle: online check, register, bootstrap, push, pull. A bootstrap that cannot reach the
// server still lets the outbox drain; only the pull waits for it.
func (s *Scheduler) runCycle(ctx context.Context, branchID string) (*CycleReport, error) {
	report := &CycleReport{BranchID: branchID, StartedAt: time.Now()}
	defer func() { report.FinishedAt = time.Now() }()

	if !s.online.Online() {
		report.Skipped = true
		s.logger.Debug("offline, skipping sync cycle", "branch_id", branchID)
		return report, nil
	}

	if _, err := s.client.EnsureRegistered(ctx, branchID); err != nil {
		return report, err
	}
	ran, err := s.client.Bootstrap(ctx, branchID)
	if err != nil {
		if !errors.Is(err, ErrTransportFailure) {
			return report, err
		}
		report.BootstrapErr = err
		s.logger.Warn("bootstrap failed, pull deferred to a later cycle", "branch_id", branchID, "error", err)
	}
	report.Bootstrapped = ran

	report.Push, err = s.client.Push(ctx, branchID)
	if err != nil {
		// A refused bootstrap may have cleared the secret already.
		rotated := report.BootstrapErr != nil && errors.Is(err, ErrNotRegistered)
		if !errors.Is(err, ErrTransportFailure) && !rotated {
			return report, err
		}
		report.PushErr = err
		s.logger.Warn("push failed, events kept for retry", "branch_id", branchID, "error", err)
	}

	if report.BootstrapErr != nil {
		return report, nil
	}
	report.Pull, err = s.client.Pull(ctx, branchID)
	if err != nil {
		return report, err
	}
	return report, nil
}

// SyncNow asks for a cycle of branchID as soon as possible. It never blocks.
func (s *Scheduler) SyncNow(branchID string) {
	s.AddBranch(branchID)
	select {
	case s.wake <- branchID:
	default:
	}
}

// NotifyReconnect asks for a cycle of every branch after connectivity returns. It never blocks.
func (s *Scheduler) NotifyReconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

// Start runs the loop in the background until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run(loopCtx)
	}()
}

// Stop cancels the loop and waits for the current cycle to finish.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.running = false
	s.cancel = nil
}

// Run drives cycles on the interval ticker, reconnect notifications and commit wakeups until
// ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Debug("sync scheduler started", "interval", s.interval)
	defer s.logger.Debug("sync scheduler stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.syncAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncAll(ctx)
		case <-s.reconnect:
			s.syncAll(ctx)
		case branchID := <-s.wake:
			s.syncOne(ctx, branchID)
		}
	}
}

func (s *Scheduler) syncAll(ctx context.Context) {
	s.mu.Lock()
	branches := append([]string(nil), s.order...)
	s.mu.Unlock()
	for _, b := range branches {
		if ctx.Err() != nil {
			return
		}
		s.syncOne(ctx, b)
	}
}

func (s *Scheduler) syncOne(ctx context.Context, branchID string) {
	report, err := s.Sync(ctx, branchID)
	if err != nil {
		s.logger.Error("sync cycle failed", "branch_id", branchID, "error", err)
		return
	}
	if report != nil && !report.Skipped {
		attrs := []any{"branch_id", branchID, "duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds()}
		if report.Push != nil {
			attrs = append(attrs, "pushed", report.Push.Sent, "retried", report.Push.Retried)
		}
		if report.Pull != nil {
			attrs = append(attrs, "pulled", report.Pull.Received)
		}
		s.logger.Debug("sync cycle finished", attrs...)
	}
}

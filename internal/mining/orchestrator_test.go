package mining

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Pdpe/grin-miner/internal/stratum"
)

// fakeSession stands in for the stratum client: it records submissions and
// lets tests push session events into the orchestrator.
type fakeSession struct {
	events chan stratum.Event

	mu      sync.Mutex
	submits []stratum.SubmitParams
	handles []stratum.RequestHandle
	stops   int
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan stratum.Event, 16)}
}

func (s *fakeSession) Events() <-chan stratum.Event { return s.events }

func (s *fakeSession) SubmitShare(params stratum.SubmitParams) (stratum.RequestHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := stratum.RequestHandle(fmt.Sprintf("h%d", len(s.handles)+1))
	s.submits = append(s.submits, params)
	s.handles = append(s.handles, handle)
	return handle, nil
}

func (s *fakeSession) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
}

func (s *fakeSession) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submits)
}

func (s *fakeSession) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *fakeSession) handleAt(i int) stratum.RequestHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[i]
}

// capturingRecorder collects recorded lifecycle events for assertions
type capturingRecorder struct {
	mu           sync.Mutex
	jobHeights   []uint64
	sharesFound  []string
	shareResults []string
	sessionKinds []string
}

func (r *capturingRecorder) RecordJob(job *Job) {
	r.mu.Lock()
	r.jobHeights = append(r.jobHeights, job.Height)
	r.mu.Unlock()
}

func (r *capturingRecorder) RecordShareFound(sol Solution) {
	r.mu.Lock()
	r.sharesFound = append(r.sharesFound, sol.ShareID)
	r.mu.Unlock()
}

func (r *capturingRecorder) RecordShareResult(sol Solution, accepted bool, reason string) {
	r.mu.Lock()
	status := "rejected"
	if accepted {
		status = "accepted"
	}
	r.shareResults = append(r.shareResults, status)
	r.mu.Unlock()
}

func (r *capturingRecorder) RecordSessionEvent(kind, detail string) {
	r.mu.Lock()
	r.sessionKinds = append(r.sessionKinds, kind)
	r.mu.Unlock()
}

func (r *capturingRecorder) heights() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.jobHeights...)
}

func (r *capturingRecorder) results() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.shareResults...)
}

func startOrchestrator(t *testing.T, grace time.Duration) (*Orchestrator, *fakeSession, *capturingRecorder, *Pool) {
	t.Helper()

	sess := newFakeSession()
	rec := &capturingRecorder{}
	pool := newTestPool(nil)

	orch := NewOrchestrator(&OrchestratorConfig{GraceWindow: grace}, sess, pool, rec, miningTestLogger())
	go orch.Run(context.Background())

	t.Cleanup(func() {
		orch.Stop()
		pool.Close()
	})

	return orch, sess, rec, pool
}

func pushJob(sess *fakeSession, id, height uint64) {
	sess.events <- stratum.Event{
		Kind: stratum.EventJobReceived,
		Job: &stratum.JobTemplate{
			JobID:      id,
			Height:     height,
			Difficulty: 1,
			PrePow:     "0102",
		},
	}
}

func waitCounters(t *testing.T, orch *Orchestrator, cond func(CounterSnapshot) bool) CounterSnapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var snap CounterSnapshot
	for time.Now().Before(deadline) {
		snap = orch.Counters().Snapshot()
		if cond(snap) {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for counters, last: %+v", snap)
	return CounterSnapshot{}
}

func solutionFor(jobID string, height uint64) Solution {
	return Solution{
		ShareID:  fmt.Sprintf("share-%s-%d", jobID, time.Now().UnixNano()),
		JobID:    jobID,
		Height:   height,
		EdgeBits: 31,
		Nonce:    42,
		Pow:      ascendingProof(),
		DeviceID: "cpu-0",
	}
}

func TestOrchestratorHeightMonotonicDispatch(t *testing.T) {
	orch, sess, rec, pool := startOrchestrator(t, time.Second)

	// Stale and equal heights must be ignored, strictly greater dispatched
	for i, height := range []uint64{1, 2, 2, 1, 3} {
		pushJob(sess, uint64(i+1), height)
	}

	snap := waitCounters(t, orch, func(s CounterSnapshot) bool {
		return s.JobsReceived == 5
	})
	if snap.JobsIgnored != 2 {
		t.Errorf("Expected 2 ignored jobs, got %d", snap.JobsIgnored)
	}

	heights := rec.heights()
	if len(heights) != 3 || heights[0] != 1 || heights[1] != 2 || heights[2] != 3 {
		t.Errorf("Expected dispatched heights [1 2 3], got %v", heights)
	}

	pool.mu.Lock()
	lastJob := pool.lastJob
	pool.mu.Unlock()
	if lastJob == nil || lastJob.Height != 3 {
		t.Errorf("Expected height 3 to reach the pool, got %+v", lastJob)
	}

	if orch.State() != StateDraining && orch.State() != StateDispatching {
		t.Errorf("Unexpected state: %s", orch.State())
	}
}

func TestOrchestratorMalformedTemplateIgnored(t *testing.T) {
	orch, sess, _, _ := startOrchestrator(t, time.Second)

	sess.events <- stratum.Event{
		Kind: stratum.EventJobReceived,
		Job:  &stratum.JobTemplate{JobID: 1, Height: 1, PrePow: "not-hex"},
	}
	pushJob(sess, 2, 1)

	snap := waitCounters(t, orch, func(s CounterSnapshot) bool {
		return s.JobsReceived == 2
	})
	if snap.JobsIgnored != 1 {
		t.Errorf("Expected malformed template to be ignored, got %d ignored", snap.JobsIgnored)
	}
}

func TestOrchestratorGraceWindow(t *testing.T) {
	orch, sess, _, pool := startOrchestrator(t, 80*time.Millisecond)

	pushJob(sess, 1, 1)
	pushJob(sess, 2, 2)
	waitCounters(t, orch, func(s CounterSnapshot) bool { return s.JobsReceived == 2 })

	// A late solution for the superseded job inside the window is submitted
	pool.solutions <- solutionFor("1", 1)
	waitCounters(t, orch, func(s CounterSnapshot) bool { return s.Found == 1 })
	if sess.submitCount() != 1 {
		t.Fatalf("Expected 1 submission, got %d", sess.submitCount())
	}

	// After the window closes the same job's solutions are stale
	time.Sleep(120 * time.Millisecond)
	pool.solutions <- solutionFor("1", 1)
	snap := waitCounters(t, orch, func(s CounterSnapshot) bool { return s.Stale == 1 })
	if snap.Found != 1 {
		t.Errorf("Expected found to stay at 1, got %d", snap.Found)
	}
	if sess.submitCount() != 1 {
		t.Errorf("Expected no further submission, got %d", sess.submitCount())
	}
}

func TestOrchestratorGraceWindowExpiresWithoutSolutions(t *testing.T) {
	orch, sess, _, _ := startOrchestrator(t, 60*time.Millisecond)

	pushJob(sess, 1, 1)
	pushJob(sess, 2, 2)
	waitCounters(t, orch, func(s CounterSnapshot) bool { return s.JobsReceived == 2 })

	// No solution ever arrives; the window must still be retired so State
	// does not report draining indefinitely
	deadline := time.Now().Add(3 * time.Second)
	for orch.State() != StateDispatching {
		if time.Now().After(deadline) {
			t.Fatalf("Expected dispatching after the window lapsed, got %s", orch.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOrchestratorUnknownJobSolutionStale(t *testing.T) {
	orch, sess, _, pool := startOrchestrator(t, time.Second)

	pushJob(sess, 5, 10)
	waitCounters(t, orch, func(s CounterSnapshot) bool { return s.JobsReceived == 1 })

	pool.solutions <- solutionFor("999", 3)
	waitCounters(t, orch, func(s CounterSnapshot) bool { return s.Stale == 1 })
	if sess.submitCount() != 0 {
		t.Errorf("Expected no submission for unknown job, got %d", sess.submitCount())
	}
}

func TestOrchestratorLocalValidationFailure(t *testing.T) {
	orch, sess, _, pool := startOrchestrator(t, time.Second)

	pushJob(sess, 1, 1)
	waitCounters(t, orch, func(s CounterSnapshot) bool { return s.JobsReceived == 1 })

	sol := solutionFor("1", 1)
	sol.Pow[10] = sol.Pow[9] // break the ascending order
	pool.solutions <- sol

	snap := waitCounters(t, orch, func(s CounterSnapshot) bool { return s.LocalInvalid == 1 })
	if snap.Found != 0 {
		t.Errorf("Expected no found share, got %d", snap.Found)
	}
	if sess.submitCount() != 0 {
		t.Errorf("Expected invalid solution to be dropped, got %d submissions", sess.submitCount())
	}
}

func TestOrchestratorSubmitResultAccounting(t *testing.T) {
	orch, sess, rec, pool := startOrchestrator(t, time.Second)

	pushJob(sess, 1, 1)
	waitCounters(t, orch, func(s CounterSnapshot) bool { return s.JobsReceived == 1 })

	for i := 0; i < 3; i++ {
		pool.solutions <- solutionFor("1", 1)
	}
	waitCounters(t, orch, func(s CounterSnapshot) bool { return s.Found == 3 })

	sess.events <- stratum.Event{Kind: stratum.EventSubmitResult, Handle: sess.handleAt(0), Accepted: true}
	sess.events <- stratum.Event{Kind: stratum.EventSubmitResult, Handle: sess.handleAt(1),
		Accepted: false, RejectReason: "Share rejected due to low difficulty"}
	sess.events <- stratum.Event{Kind: stratum.EventSubmitResult, Handle: sess.handleAt(2),
		Accepted: false, RejectReason: stratum.ReasonConnectionLost}

	snap := waitCounters(t, orch, func(s CounterSnapshot) bool {
		return s.Accepted+s.Rejected+s.Lost == 3
	})
	if snap.Accepted != 1 || snap.Rejected != 1 || snap.Lost != 1 {
		t.Errorf("Expected 1 accepted, 1 rejected, 1 lost, got %+v", snap)
	}

	results := rec.results()
	if len(results) != 3 || results[0] != "accepted" {
		t.Errorf("Unexpected recorded results: %v", results)
	}
}

func TestOrchestratorAdoptsJobAfterReconnect(t *testing.T) {
	orch, sess, rec, pool := startOrchestrator(t, time.Second)

	pushJob(sess, 1, 10)
	waitCounters(t, orch, func(s CounterSnapshot) bool { return s.JobsReceived == 1 })

	// Within one session a template at the same height is ignored
	pushJob(sess, 2, 10)
	waitCounters(t, orch, func(s CounterSnapshot) bool { return s.JobsIgnored == 1 })

	// After re-login the server's template wins even at a stale height
	sess.events <- stratum.Event{Kind: stratum.EventConnectionLost}
	sess.events <- stratum.Event{Kind: stratum.EventConnected}
	pushJob(sess, 3, 10)

	snap := waitCounters(t, orch, func(s CounterSnapshot) bool { return s.JobsReceived == 3 })
	if snap.JobsIgnored != 1 {
		t.Errorf("Expected the post-reconnect template to be adopted, got %d ignored", snap.JobsIgnored)
	}

	heights := rec.heights()
	if len(heights) != 2 || heights[1] != 10 {
		t.Errorf("Expected the adopted job to be dispatched, got heights %v", heights)
	}

	pool.mu.Lock()
	lastJob := pool.lastJob
	pool.mu.Unlock()
	if lastJob == nil || lastJob.ID != "3" {
		t.Errorf("Expected job 3 at the pool, got %+v", lastJob)
	}
}

func TestOrchestratorUnknownHandleIgnored(t *testing.T) {
	orch, sess, _, _ := startOrchestrator(t, time.Second)

	sess.events <- stratum.Event{Kind: stratum.EventSubmitResult,
		Handle: stratum.RequestHandle("bogus"), Accepted: true}
	pushJob(sess, 1, 1)

	snap := waitCounters(t, orch, func(s CounterSnapshot) bool { return s.JobsReceived == 1 })
	if snap.Accepted != 0 {
		t.Errorf("Expected unknown handle to be ignored, got %d accepted", snap.Accepted)
	}
}

func TestOrchestratorStopIdempotent(t *testing.T) {
	sess := newFakeSession()
	pool := newTestPool(nil)
	defer pool.Close()

	orch := NewOrchestrator(&OrchestratorConfig{GraceWindow: time.Second}, sess, pool, nil, miningTestLogger())

	done := make(chan error, 1)
	go func() { done <- orch.Run(context.Background()) }()

	orch.Stop()
	orch.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop")
	}

	if orch.State() != StateShuttingDown {
		t.Errorf("Expected shutting_down, got %s", orch.State())
	}
	if sess.stopCount() != 1 {
		t.Errorf("Expected the session to be stopped once, got %d", sess.stopCount())
	}
}

func TestOrchestratorShutsDownWhenEventsClose(t *testing.T) {
	sess := newFakeSession()
	pool := newTestPool(nil)
	defer pool.Close()

	orch := NewOrchestrator(&OrchestratorConfig{GraceWindow: time.Second}, sess, pool, nil, miningTestLogger())

	done := make(chan error, 1)
	go func() { done <- orch.Run(context.Background()) }()

	close(sess.events)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after event stream closed")
	}
	if sess.stopCount() != 1 {
		t.Errorf("Expected the session to be stopped, got %d stops", sess.stopCount())
	}
}

package mining

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Pdpe/grin-miner/pkg/log"
)

func miningTestLogger() *log.Logger {
	return log.New("mining-test", "dev", "error", "text")
}

type attemptInfo struct {
	prePow []byte
	nonce  uint64
}

// gateSolver signals each attempt start and holds it until cancelled,
// letting tests observe and steer the search loop.
type gateSolver struct {
	attempts   chan attemptInfo
	result     []uint64
	resultOnce atomic.Bool
	err        error
	initErr    error
	released   atomic.Bool
	hold       bool
}

func (f *gateSolver) Name() string { return "gate" }

func (f *gateSolver) Init(params map[string]string) error { return f.initErr }

func (f *gateSolver) Attempt(ctx context.Context, prePow []byte, nonce uint64) ([]uint64, error) {
	if f.attempts != nil {
		select {
		case f.attempts <- attemptInfo{prePow: prePow, nonce: nonce}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.err != nil {
		return nil, f.err
	}

	if f.result != nil && f.resultOnce.CompareAndSwap(false, true) {
		return f.result, nil
	}

	if f.hold {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, nil
}

func (f *gateSolver) Release() { f.released.Store(true) }

func newTestAdapter(solver Solver) (*DeviceAdapter, chan Solution, chan deviceError) {
	solutions := make(chan Solution, 8)
	errs := make(chan deviceError, 8)
	desc := DeviceDescriptor{Family: "gate", Index: 0}
	adapter := NewDeviceAdapter(desc, 31, solver, solutions, errs, miningTestLogger())
	return adapter, solutions, errs
}

func TestDeviceAdapterLifecycle(t *testing.T) {
	solver := &gateSolver{hold: true}
	adapter, _, _ := newTestAdapter(solver)

	if adapter.Record().Status != DeviceStopped {
		t.Errorf("Expected stopped before start, got %s", adapter.Record().Status)
	}

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if adapter.Record().Status != DeviceRunning {
		t.Errorf("Expected running, got %s", adapter.Record().Status)
	}

	// Starting a running adapter is a no-op
	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Second start failed: %v", err)
	}

	adapter.Stop()
	if adapter.Record().Status != DeviceStopped {
		t.Errorf("Expected stopped after stop, got %s", adapter.Record().Status)
	}
	if !solver.released.Load() {
		t.Error("Solver not released on stop")
	}

	// Stopping again is safe
	adapter.Stop()
}

func TestDeviceAdapterInitError(t *testing.T) {
	solver := &gateSolver{initErr: errors.New("no such device")}
	adapter, _, _ := newTestAdapter(solver)

	if err := adapter.Start(context.Background()); err == nil {
		t.Fatal("Expected start error")
	}
	rec := adapter.Record()
	if rec.Status != DeviceErrored {
		t.Errorf("Expected errored, got %s", rec.Status)
	}
	if rec.LastError == "" {
		t.Error("Expected last error to be recorded")
	}
}

func TestDeviceAdapterLatestJobWins(t *testing.T) {
	solver := &gateSolver{attempts: make(chan attemptInfo), hold: true}
	adapter, _, _ := newTestAdapter(solver)

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer adapter.Stop()

	job1 := &Job{ID: "1", WireID: 1, Height: 100, PrePow: []byte{0x01}}
	job2 := &Job{ID: "2", WireID: 2, Height: 101, PrePow: []byte{0x02}}

	adapter.SetJob(job1)

	first := <-solver.attempts
	if first.prePow[0] != 0x01 {
		t.Fatalf("Expected first attempt on job1, got % x", first.prePow)
	}

	// The new job cancels the held attempt and the loop moves on
	adapter.SetJob(job2)

	second := <-solver.attempts
	if second.prePow[0] != 0x02 {
		t.Fatalf("Expected next attempt on job2, got % x", second.prePow)
	}
}

func TestDeviceAdapterPause(t *testing.T) {
	solver := &gateSolver{attempts: make(chan attemptInfo, 1), hold: true}
	adapter, _, _ := newTestAdapter(solver)

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer adapter.Stop()

	adapter.SetJob(&Job{ID: "1", PrePow: []byte{0x01}})
	<-solver.attempts

	adapter.SetJob(nil)

	// Drain the attempt that may already have restarted, then expect quiet
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case <-solver.attempts:
			continue
		case <-deadline:
			return
		}
	}
}

func TestDeviceAdapterSolutionStamped(t *testing.T) {
	proof := ascendingProof()
	solver := &gateSolver{result: proof, hold: true}
	adapter, solutions, _ := newTestAdapter(solver)

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer adapter.Stop()

	job := &Job{ID: "7", WireID: 7, Height: 500, Difficulty: 1, PrePow: []byte{0xaa}}
	adapter.SetJob(job)

	select {
	case sol := <-solutions:
		if sol.JobID != "7" || sol.WireJobID != 7 || sol.Height != 500 {
			t.Errorf("Solution misstamped: %+v", sol)
		}
		if sol.EdgeBits != 31 {
			t.Errorf("Expected edge bits 31, got %d", sol.EdgeBits)
		}
		if sol.DeviceID != adapter.ID() {
			t.Errorf("Expected device id %s, got %s", adapter.ID(), sol.DeviceID)
		}
		if sol.ShareID == "" {
			t.Error("Expected share id")
		}
		if len(sol.Pow) != ProofSize {
			t.Errorf("Expected %d nonces, got %d", ProofSize, len(sol.Pow))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for solution")
	}

	rec := adapter.Record()
	if rec.Solutions != 1 {
		t.Errorf("Expected 1 recorded solution, got %d", rec.Solutions)
	}
	if rec.Attempts == 0 {
		t.Error("Expected attempts to be counted")
	}
}

func TestDeviceAdapterAppliedGenTracksConsumedJob(t *testing.T) {
	solver := &gateSolver{attempts: make(chan attemptInfo), hold: true}
	adapter, _, _ := newTestAdapter(solver)

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer adapter.Stop()

	gen1 := adapter.SetJob(&Job{ID: "1", PrePow: []byte{0x01}})
	<-solver.attempts
	if got := adapter.AppliedGen(); got != gen1 {
		t.Errorf("Expected applied generation %d, got %d", gen1, got)
	}

	gen2 := adapter.SetJob(&Job{ID: "2", PrePow: []byte{0x02}})
	<-solver.attempts
	if got := adapter.AppliedGen(); got != gen2 {
		t.Errorf("Expected applied generation %d, got %d", gen2, got)
	}
}

func TestDeviceAdapterStopAbandonsHungSolver(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)

	adapter, _, _ := newTestAdapter(&stubbornSolver{started: started, release: release})
	adapter.stopGrace = 50 * time.Millisecond

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	adapter.SetJob(&Job{ID: "1", PrePow: []byte{0x01}})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the solver to enter its attempt")
	}

	done := make(chan struct{})
	go func() {
		adapter.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a solver that ignores cancellation")
	}

	rec := adapter.Record()
	if rec.Status != DeviceErrored {
		t.Errorf("Expected errored after abandoned stop, got %s", rec.Status)
	}
	if rec.LastError == "" {
		t.Error("Expected last error to be recorded")
	}
}

func TestDeviceAdapterErrorReporting(t *testing.T) {
	solver := &gateSolver{err: errors.New("solver crashed")}
	adapter, _, errs := newTestAdapter(solver)

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	adapter.SetJob(&Job{ID: "1", PrePow: []byte{0x01}})

	select {
	case devErr := <-errs:
		if devErr.deviceID != adapter.ID() {
			t.Errorf("Expected device id %s, got %s", adapter.ID(), devErr.deviceID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for device error")
	}

	rec := adapter.Record()
	if rec.Status != DeviceErrored {
		t.Errorf("Expected errored, got %s", rec.Status)
	}
	if rec.LastError == "" {
		t.Error("Expected last error to be recorded")
	}
}

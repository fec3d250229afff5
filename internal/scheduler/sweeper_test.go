package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRunner struct {
	mu       sync.Mutex
	sweeps   int
	dispatch int
}

func (r *countingRunner) SweepExpired(context.Context, time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps++
	return nil
}

func (r *countingRunner) DispatchDue(context.Context, time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatch++
	return nil
}

func (r *countingRunner) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweeps, r.dispatch
}

func TestSweepRunsBothScans(t *testing.T) {
	runner := &countingRunner{}
	s := New(Config{}, runner, nil)

	s.Sweep(context.Background())
	s.Sweep(context.Background())

	sweeps, dispatch := runner.counts()
	assert.Equal(t, 2, sweeps)
	assert.Equal(t, 2, dispatch)
}

func TestStartSchedulesPeriodicSweeps(t *testing.T) {
	runner := &countingRunner{}
	s := New(Config{Interval: time.Second}, runner, nil)

	require.NoError(t, s.Start())
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sweeps, _ := runner.counts(); sweeps >= 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("scheduled sweep never ran")
}

func TestStartTwiceFails(t *testing.T) {
	s := New(Config{}, &countingRunner{}, nil)
	require.NoError(t, s.Start())
	defer s.Stop()
	require.Error(t, s.Start())
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(Config{}, &countingRunner{}, nil)
	require.NoError(t, s.Start())
	s.Stop()
	s.Stop()
}

func TestDefaultsApplied(t *testing.T) {
	s := New(Config{}, &countingRunner{}, nil)
	assert.Equal(t, time.Second, s.config.Interval)
	assert.Equal(t, 30*time.Second, s.config.SweepTimeout)
}

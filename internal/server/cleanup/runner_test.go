package cleanup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSweep struct {
	calls  atomic.Int32
	result SweepResult
	err    error
}

func (s *stubSweep) Sweep(context.Context) (SweepResult, error) {
	s.calls.Add(1)
	return s.result, s.err
}

type stubCollect struct {
	calls  atomic.Int32
	result CollectResult
	err    error
	delay  time.Duration
}

func (s *stubCollect) Collect(context.Context) (CollectResult, error) {
	time.Sleep(s.delay)
	s.calls.Add(1)
	return s.result, s.err
}

func TestRunner_Run(t *testing.T) {
	t.Run("runs both jobs", func(t *testing.T) {
		sweep := &stubSweep{result: SweepResult{Flagged: 3, Deleted: 1}}
		collect := &stubCollect{result: CollectResult{Orphaned: 2, Deleted: 2}}

		report, err := NewRunner(sweep, collect).Run(context.Background())
		require.NoError(t, err)

		assert.EqualValues(t, 1, sweep.calls.Load())
		assert.EqualValues(t, 1, collect.calls.Load())
		assert.EqualValues(t, 3, report.Sweep.Flagged)
		assert.Equal(t, 2, report.Collect.Deleted)
	})

	t.Run("sweep failure does not stop collection", func(t *testing.T) {
		sweep := &stubSweep{err: errors.New("flag update failed")}
		collect := &stubCollect{delay: 20 * time.Millisecond, result: CollectResult{Deleted: 1}}

		report, err := NewRunner(sweep, collect).Run(context.Background())
		require.Error(t, err)

		assert.Contains(t, err.Error(), "flag update failed")
		assert.EqualValues(t, 1, collect.calls.Load())
		assert.Equal(t, 1, report.Collect.Deleted)
	})

	t.Run("collection failure is reported", func(t *testing.T) {
		sweep := &stubSweep{}
		collect := &stubCollect{err: errors.New("bucket missing")}

		_, err := NewRunner(sweep, collect).Run(context.Background())
		require.Error(t, err)

		assert.Contains(t, err.Error(), "bucket missing")
		assert.EqualValues(t, 1, sweep.calls.Load())
	})
}

func TestRunner_Start(t *testing.T) {
	t.Run("rejects invalid schedule", func(t *testing.T) {
		runner := NewRunner(&stubSweep{}, &stubCollect{})
		assert.Error(t, runner.Start(context.Background(), "not a cron line"))
	})

	t.Run("stop without start is a no-op", func(t *testing.T) {
		NewRunner(&stubSweep{}, &stubCollect{}).Stop()
	})

	t.Run("accepts standard schedule", func(t *testing.T) {
		runner := NewRunner(&stubSweep{}, &stubCollect{})
		require.NoError(t, runner.Start(context.Background(), "0 3 * * *"))
		runner.Stop()
	})
}

package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSweepRunsBothPasses(t *testing.T) {
	t.Parallel()

	reaper := &fakeReaper{released: 3}
	reg := &fakeTimeoutSweeper{swept: 1}
	s := New(reaper, reg, time.Second, zap.NewNop())

	s.Sweep(context.Background())
	require.Equal(t, 1, reaper.calls)
	require.Equal(t, 1, reg.calls)
}

func TestSweepContinuesPastReaperError(t *testing.T) {
	t.Parallel()

	reaper := &fakeReaper{err: errors.New("store down")}
	reg := &fakeTimeoutSweeper{}
	s := New(reaper, reg, time.Second, zap.NewNop())

	s.Sweep(context.Background())
	require.Equal(t, 1, reg.calls)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	reaper := &fakeReaper{}
	reg := &fakeTimeoutSweeper{}
	s := New(reaper, reg, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
	require.GreaterOrEqual(t, reaper.calls, 1)
}

type fakeReaper struct {
	calls    int
	released int
	err      error
}

func (f *fakeReaper) ReapExpiredLeases(context.Context) (int, error) {
	f.calls++
	return f.released, f.err
}

type fakeTimeoutSweeper struct {
	calls int
	swept int
	err   error
}

func (f *fakeTimeoutSweeper) SweepTimeouts(context.Context) (int, error) {
	f.calls++
	return f.swept, f.err
}

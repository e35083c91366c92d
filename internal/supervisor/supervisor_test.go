package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comicgen/internal/domain"
)

func newSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := New(zerolog.New(io.Discard))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestStartRunsAndRemovesItself(t *testing.T) {
	s := newSupervisor(t)
	release := make(chan struct{})
	run, err := s.Start("job-1", KindGenerate, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	assert.True(t, s.InFlight("job-1"))
	assert.Equal(t, 1, s.Len())
	require.Len(t, s.Runs(), 1)
	assert.Equal(t, KindGenerate, s.Runs()[0].Kind)

	close(release)
	require.NoError(t, run.Wait(context.Background()))
	assert.False(t, s.InFlight("job-1"))
	assert.Zero(t, s.Len())
}

func TestDuplicateStartRejected(t *testing.T) {
	s := newSupervisor(t)
	release := make(chan struct{})
	defer close(release)
	_, err := s.Start("job-1", KindGenerate, func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	_, err = s.Start("job-1", KindExtend, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, domain.ErrRunInFlight)

	_, err = s.Start("job-2", KindExtend, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestConcurrentStartsExactlyOneWins(t *testing.T) {
	s := newSupervisor(t)
	release := make(chan struct{})
	var started atomic.Int32
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Start("job-1", KindExtend, func(ctx context.Context) error {
				started.Add(1)
				<-release
				return nil
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrRunInFlight):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	close(release)

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), conflicts.Load())
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), started.Load())
}

func TestRunErrorAndPanicAreCaptured(t *testing.T) {
	s := newSupervisor(t)
	boom := errors.New("text stage failed")
	run, err := s.Start("job-1", KindGenerate, func(ctx context.Context) error { return boom })
	require.NoError(t, err)
	assert.ErrorIs(t, run.Wait(context.Background()), boom)
	assert.ErrorIs(t, run.Err(), boom)

	run, err = s.Start("job-2", KindReload, func(ctx context.Context) error { panic("nil map") })
	require.NoError(t, err)
	err = run.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")
	assert.False(t, s.InFlight("job-2"))
}

func TestRunOutlivesCallerContext(t *testing.T) {
	s := newSupervisor(t)
	reqCtx, cancelReq := context.WithCancel(context.Background())
	release := make(chan struct{})
	run, err := s.Start("job-1", KindGenerate, func(ctx context.Context) error {
		<-release
		return ctx.Err()
	})
	require.NoError(t, err)
	cancelReq()
	assert.ErrorIs(t, run.Wait(reqCtx), context.Canceled)

	close(release)
	assert.NoError(t, run.Wait(context.Background()))
}

func TestShutdownCancelsAfterDeadline(t *testing.T) {
	s := New(zerolog.New(io.Discard))
	run, err := s.Start("job-1", KindGenerate, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, run.Err(), context.Canceled)

	_, err = s.Start("job-2", KindGenerate, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrShuttingDown)
}

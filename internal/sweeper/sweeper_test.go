package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"request-portal/internal/model"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	effects     []model.SideEffect
	gotAttempts int
	gotLimit    int
	err         error
}

func (f *fakeSource) ListRetryable(_ context.Context, maxAttempts, limit int) ([]model.SideEffect, error) {
	f.gotAttempts, f.gotLimit = maxAttempts, limit
	return f.effects, f.err
}

type fakeRetrier struct {
	mu    sync.Mutex
	fail  map[uint]bool
	calls []uint
}

func (f *fakeRetrier) RetrySideEffect(_ context.Context, e model.SideEffect) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, e.ID)
	if f.fail[e.ID] {
		return errors.New("still failing")
	}
	return nil
}

func (f *fakeRetrier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestSweep_RetriesBatch(t *testing.T) {
	src := &fakeSource{effects: []model.SideEffect{{ID: 1}, {ID: 2}, {ID: 3}}}
	ret := &fakeRetrier{fail: map[uint]bool{2: true}}
	s := New(src, ret, Options{MaxAttempts: 4, BatchSize: 10}, zerolog.Nop())

	assert.Equal(t, 2, s.Sweep(context.Background()))
	assert.Equal(t, []uint{1, 2, 3}, ret.calls)
	assert.Equal(t, 4, src.gotAttempts)
	assert.Equal(t, 10, src.gotLimit)
}

func TestSweep_ListErrorIsLogged(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	ret := &fakeRetrier{}
	s := New(src, ret, Options{}, zerolog.Nop())

	assert.Zero(t, s.Sweep(context.Background()))
	assert.Empty(t, ret.calls)
	assert.Equal(t, 5, src.gotAttempts, "default attempts")
	assert.Equal(t, 50, src.gotLimit, "default batch")
}

func TestSweep_StopsOnCancelledContext(t *testing.T) {
	src := &fakeSource{effects: []model.SideEffect{{ID: 1}, {ID: 2}}}
	ret := &fakeRetrier{}
	s := New(src, ret, Options{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Zero(t, s.Sweep(ctx))
	assert.Empty(t, ret.calls)
}

func TestStart_RunsOnSchedule(t *testing.T) {
	src := &fakeSource{effects: []model.SideEffect{{ID: 7}}}
	ret := &fakeRetrier{}
	s := New(src, ret, Options{Schedule: "@every 1s"}, zerolog.Nop())
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Eventually(t, func() bool { return ret.count() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	s := New(&fakeSource{}, &fakeRetrier{}, Options{Schedule: "every now and then"}, zerolog.Nop())
	assert.Error(t, s.Start())
}

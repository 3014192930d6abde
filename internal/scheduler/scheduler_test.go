package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundbo/fund-engine/internal/exchange"
	"github.com/fundbo/fund-engine/internal/metrics"
	"github.com/fundbo/fund-engine/internal/model"
)

type fakeRoller struct {
	calls atomic.Int32
	at    atomic.Value
	err   error
}

func (f *fakeRoller) Rollover(_ context.Context, now time.Time) ([]model.DailyInventory, error) {
	f.calls.Add(1)
	f.at.Store(now)
	return []model.DailyInventory{{FundID: "F1"}}, f.err
}

type fakeMatcher struct {
	handleRemaining atomic.Bool
}

func (f *fakeMatcher) MatchAll(_ context.Context, _ *bool, handleRemaining bool) ([]*exchange.MatchReport, error) {
	f.handleRemaining.Store(handleRemaining)
	return []*exchange.MatchReport{{FundID: "F1", Pairs: make([]model.MatchedPair, 2)}}, nil
}

func TestRunNow(t *testing.T) {
	s := New(Config{})
	at := time.Date(2026, 3, 3, 0, 1, 0, 0, time.UTC)
	roller := &fakeRoller{}
	job := &RolloverJob{Inventory: roller, Now: func() time.Time { return at }}

	before := testutil.ToFloat64(metrics.SchedulerJobs.WithLabelValues(job.Name(), "ok"))
	require.NoError(t, s.RunNow(job))
	assert.Equal(t, int32(1), roller.calls.Load())
	assert.Equal(t, at, roller.at.Load())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SchedulerJobs.WithLabelValues(job.Name(), "ok")))
}

func TestRunNow_Failure(t *testing.T) {
	s := New(Config{})
	boom := errors.New("boom")
	job := &RolloverJob{Inventory: &fakeRoller{err: boom}}

	before := testutil.ToFloat64(metrics.SchedulerJobs.WithLabelValues(job.Name(), "error"))
	assert.ErrorIs(t, s.RunNow(job), boom)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SchedulerJobs.WithLabelValues(job.Name(), "error")))
}

func TestMatchJob(t *testing.T) {
	m := &fakeMatcher{}
	job := &MatchJob{Exchange: m, HandleRemaining: true}
	require.NoError(t, New(Config{}).RunNow(job))
	assert.True(t, m.handleRemaining.Load())
}

func TestAddJob_InvalidSchedule(t *testing.T) {
	s := New(Config{})
	assert.Error(t, s.AddJob("not a schedule", &MatchJob{Exchange: &fakeMatcher{}}))
	// Five-field specs lack the seconds field.
	assert.Error(t, s.AddJob("0 1 * * *", &MatchJob{Exchange: &fakeMatcher{}}))
}

func TestScheduledExecution(t *testing.T) {
	s := New(Config{JobTimeout: time.Second})
	roller := &fakeRoller{}
	require.NoError(t, s.AddJob("* * * * * *", &RolloverJob{Inventory: roller}))

	s.Start()
	defer s.Stop(context.Background())

	assert.Eventually(t, func() bool { return roller.calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
}

type blockingJob struct{ done chan struct{} }

func (j *blockingJob) Name() string { return "blocking" }

func (j *blockingJob) Run(ctx context.Context) error {
	<-ctx.Done()
	close(j.done)
	return ctx.Err()
}

func TestStopCancelsRunningJobs(t *testing.T) {
	s := New(Config{})
	job := &blockingJob{done: make(chan struct{})}
	go s.RunNow(job)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	select {
	case <-job.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not cancelled")
	}
}

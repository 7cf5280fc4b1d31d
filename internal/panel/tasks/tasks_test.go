package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingUsageRecorder struct{ n atomic.Int32 }

func (c *countingUsageRecorder) RecordUserUsages(context.Context) error {
	c.n.Add(1)
	return nil
}

type countingReviewer struct{ n atomic.Int32 }

func (c *countingReviewer) ReviewUsers(context.Context) error {
	c.n.Add(1)
	return nil
}

type countingCleaner struct {
	n       atomic.Int32
	cutoffs []time.Time
}

func (c *countingCleaner) Cleanup(_ context.Context, cutoff time.Time) (int64, error) {
	c.n.Add(1)
	c.cutoffs = append(c.cutoffs, cutoff)
	return 0, nil
}

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	_, err := New(Config{RecordUserUsagesInterval: 0}, &countingUsageRecorder{}, nil, nil, nil)
	require.Error(t, err)
}

func TestSchedulerRunsRegisteredTasks(t *testing.T) {
	usage := &countingUsageRecorder{}
	review := &countingReviewer{}
	cleaner := &countingCleaner{}

	s, err := New(Config{
		RecordUserUsagesInterval: 20 * time.Millisecond,
		ReviewUsersInterval:      20 * time.Millisecond,
		TokenCleanupInterval:     20 * time.Millisecond,
	}, usage, review, cleaner, nil)
	require.NoError(t, err)

	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	require.Eventually(t, func() bool { return usage.n.Load() > 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return review.n.Load() > 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return cleaner.n.Load() > 0 }, time.Second, 5*time.Millisecond)
}

func TestDisableRecordingNodeUsageSkipsTask(t *testing.T) {
	usage := &countingUsageRecorder{}

	s, err := New(Config{
		RecordUserUsagesInterval: 10 * time.Millisecond,
		ReviewUsersInterval:      time.Hour,
		DisableRecordingNodeUsage: true,
	}, usage, nil, nil, nil)
	require.NoError(t, err)

	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, usage.n.Load())
}

func TestNilTasksAreSimplyNotScheduled(t *testing.T) {
	s, err := New(Config{}, nil, nil, nil, nil)
	require.NoError(t, err)
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

package scheduler_test

import (
	"sync/atomic"
	"testing"
	"time"

	scheduler "github.com/driftlockhq/driftlock/internal/infrastructure/scheduler/gocron"
	"github.com/stretchr/testify/require"
)

func TestScheduleAt(t *testing.T) {
	svc := scheduler.NewScheduler()
	svc.Start()
	defer svc.Stop()

	var fired atomic.Int32
	err := svc.ScheduleAt(time.Now().Add(200*time.Millisecond), func() {
		fired.Add(1)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fired.Load() == 1
	}, 3*time.Second, 50*time.Millisecond)

	// one-shot: no second run
	time.Sleep(500 * time.Millisecond)
	require.Equal(t, int32(1), fired.Load())
}

func TestScheduleAtConcurrentJobs(t *testing.T) {
	svc := scheduler.NewScheduler()
	svc.Start()
	defer svc.Stop()

	var fired atomic.Int32
	for i := 0; i < 4; i++ {
		err := svc.ScheduleAt(time.Now().Add(200*time.Millisecond), func() {
			fired.Add(1)
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return fired.Load() == 4
	}, 3*time.Second, 50*time.Millisecond)
}

func TestScheduleAtPastRunsImmediately(t *testing.T) {
	svc := scheduler.NewScheduler()
	svc.Start()
	defer svc.Stop()

	// A wake-up that is already due fires inline instead of erroring, so a
	// caller on the exact window boundary still proceeds.
	var fired atomic.Int32
	err := svc.ScheduleAt(time.Now().Add(-time.Minute), func() {
		fired.Add(1)
	})
	require.NoError(t, err)
	require.Equal(t, int32(1), fired.Load())

	err = svc.ScheduleAt(time.Now(), func() {
		fired.Add(1)
	})
	require.NoError(t, err)
	require.Equal(t, int32(2), fired.Load())

	err = svc.ScheduleAt(time.Time{}, func() {})
	require.Error(t, err)
}

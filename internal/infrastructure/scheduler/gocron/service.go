package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/driftlockhq/driftlock/internal/core/ports"
	"github.com/go-co-op/gocron"
)

// TODO: add persistence so pending wake-ups survive restarts
type service struct {
	scheduler *gocron.Scheduler
	mu        *sync.Mutex
	jobs      map[*gocron.Job]struct{}
}

func NewScheduler() ports.SchedulerService {
	svc := gocron.NewScheduler(time.UTC)
	return &service{svc, &sync.Mutex{}, make(map[*gocron.Job]struct{})}
}

func (s *service) Start() {
	s.scheduler.StartAsync()
}

func (s *service) Stop() {
	s.scheduler.Stop()
}

// ScheduleAt registers a one-shot task at an absolute time. Many units wait
// out timelock windows concurrently, so each call gets its own job.
func (s *service) ScheduleAt(at time.Time, task func()) error {
	if at.IsZero() {
		return fmt.Errorf("invalid schedule time")
	}

	// A task already due runs inline: callers race the clock against window
	// boundaries and must not fail on the exact edge.
	delay := time.Until(at)
	if delay <= 0 {
		task()
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var job *gocron.Job
	job, err := s.scheduler.Every(delay).WaitForSchedule().LimitRunsTo(1).Do(func() {
		task()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.scheduler.Remove(job)
		delete(s.jobs, job)
	})
	if err != nil {
		return err
	}

	s.jobs[job] = struct{}{}

	return nil
}

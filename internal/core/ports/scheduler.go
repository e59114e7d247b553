package ports

import "time"

// SchedulerService runs one-shot tasks at absolute times. Units waiting out a
// timelock window schedule a wake-up here instead of sleeping, so one unit's
// wait never stalls another's progress.
type SchedulerService interface {
	Start()
	Stop()
	ScheduleAt(at time.Time, task func()) error
}

// Package scheduler owns the per-contract deadline timers. The exchange arms
// a single-shot timer at award and disarms it on any competing transition;
// the fire callback must re-check job state before mutating anything.
package scheduler

import (
	"sync"
	"time"
)

// armed is one registration of a job timer. gen distinguishes it from every
// earlier and later arming of the same job.
type armed struct {
	timer *time.Timer
	gen   uint64
}

// Deadlines keys one single-shot timer per job id. Every Arm issues a fresh
// generation token; the fire callback receives the token of the arming that
// scheduled it, so a fire that lost a race with a rearm is identifiable.
type Deadlines struct {
	mu     sync.Mutex
	timers map[string]armed
	gen    uint64
	fire   func(jobID string, gen uint64)
}

// NewDeadlines creates the scheduler. fire runs on the timer goroutine; the
// callback is responsible for re-validating the job before acting.
func NewDeadlines(fire func(jobID string, gen uint64)) *Deadlines {
	return &Deadlines{
		timers: make(map[string]armed),
		fire:   fire,
	}
}

// Arm registers (or replaces) the timer for a job and returns the generation
// token of this arming.
func (d *Deadlines) Arm(jobID string, seconds int64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if a, ok := d.timers[jobID]; ok {
		a.timer.Stop()
	}
	d.gen++
	gen := d.gen
	t := time.AfterFunc(time.Duration(seconds)*time.Second, func() {
		d.mu.Lock()
		if cur, ok := d.timers[jobID]; ok && cur.gen == gen {
			delete(d.timers, jobID)
		}
		d.mu.Unlock()
		d.fire(jobID, gen)
	})
	d.timers[jobID] = armed{timer: t, gen: gen}
	return gen
}

// Disarm cancels the timer for a job, if any.
func (d *Deadlines) Disarm(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if a, ok := d.timers[jobID]; ok {
		a.timer.Stop()
		delete(d.timers, jobID)
	}
}

// Armed reports whether a timer is registered for the job.
func (d *Deadlines) Armed(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[jobID]
	return ok
}

// Len returns the number of armed timers.
func (d *Deadlines) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// StopAll cancels every timer (shutdown path).
func (d *Deadlines) StopAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, a := range d.timers {
		a.timer.Stop()
		delete(d.timers, id)
	}
}

package bpmlink

import "time"

// deadline is a single-shot timer owned by the session loop. A disarmed
// deadline has a nil channel, which blocks forever in a select, so a timer
// that was replaced or stopped can never fire into the wrong state.
type deadline struct {
	timer *time.Timer
}

func (d *deadline) arm(after time.Duration) {
	d.disarm()
	d.timer = time.NewTimer(after)
}

func (d *deadline) disarm() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// C returns the channel the loop waits on, or nil when disarmed.
func (d *deadline) C() <-chan time.Time {
	if d.timer == nil {
		return nil
	}
	return d.timer.C
}

// expire disarms the deadline after it fired.
func (d *deadline) expire() {
	d.timer = nil
}

package session

import "time"

// Interval fires when at least Every has passed since it last fired. On
// firing, last is reset to the firing time, so a late tick delays every
// later firing by the same amount.
type Interval struct {
	Every time.Duration
	last  time.Time
}

func (iv *Interval) Due(now time.Time) bool {
	if now.Sub(iv.last) < iv.Every {
		return false
	}
	iv.last = now
	return true
}

// Due is what fired on one tick.
type Due struct {
	Sensor bool
	Status bool
}

// Schedule holds the two independent poll-loop timers.
type Schedule struct {
	sensor Interval
	status Interval
}

// NewSchedule starts both timers at start.
func NewSchedule(start time.Time, sensorEvery, statusEvery time.Duration) *Schedule {
	return &Schedule{
		sensor: Interval{Every: sensorEvery, last: start},
		status: Interval{Every: statusEvery, last: start},
	}
}

func (s *Schedule) Tick(now time.Time) Due {
	return Due{
		Status: s.status.Due(now),
		Sensor: s.sensor.Due(now),
	}
}

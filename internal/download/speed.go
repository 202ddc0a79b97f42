package download

import "time"

// speedMeter computes bytes per second over a rolling interval
type speedMeter struct {
	interval      time.Duration
	lastSample    time.Time
	intervalBytes int64
	now           func() time.Time
}

func newSpeedMeter(interval time.Duration, now func() time.Time) *speedMeter {
	return &speedMeter{interval: interval, now: now, lastSample: now()}
}

// reset starts a new window
func (m *speedMeter) reset() {
	m.lastSample = m.now()
	m.intervalBytes = 0
}

// add records n received bytes and returns a new speed once the interval elapsed
func (m *speedMeter) add(n int64) (speed int64, sampled bool) {
	m.intervalBytes += n

	elapsed := m.now().Sub(m.lastSample)
	if elapsed <= m.interval {
		return 0, false
	}

	speed = int64(float64(m.intervalBytes) / elapsed.Seconds())
	m.reset()
	return speed, true
}

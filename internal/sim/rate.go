package sim

import "time"

// rateWindow is the number of tick intervals averaged into the reported rate.
const rateWindow = 10

// rateMeter averages ticks per second over the most recent rateWindow
// intervals. It is owned by the loop goroutine.
type rateMeter struct {
	stamps [rateWindow + 1]time.Time
	n      int // stamps recorded, capped at len(stamps)
	next   int
}

func (r *rateMeter) observe(t time.Time) {
	r.stamps[r.next] = t
	r.next = (r.next + 1) % len(r.stamps)
	if r.n < len(r.stamps) {
		r.n++
	}
}

// rate reports the average rate over the recorded window. ok is false until
// two stamps exist; err is set when the window spans no wall time.
func (r *rateMeter) rate() (rate float64, ok bool, err error) {
	if r.n < 2 {
		return 0, false, nil
	}
	newest := r.stamps[(r.next+len(r.stamps)-1)%len(r.stamps)]
	oldest := r.stamps[(r.next+len(r.stamps)-r.n)%len(r.stamps)]
	elapsed := newest.Sub(oldest)
	if elapsed <= 0 {
		return 0, false, errRateUnavailable
	}
	return float64(r.n-1) / elapsed.Seconds(), true, nil
}

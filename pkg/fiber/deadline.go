package fiber

import "time"

// Deadlines tracks the three per-request deadlines of the server engine.
// Parse bounds header arrival, Inactivity bounds the gap between successful
// I/O operations, Request bounds the whole exchange. Update advances the
// inactivity deadline after each successful I/O; the effective deadline of
// any suspension is the nearest of the three.
type Deadlines struct {
	Parse      time.Time
	Inactivity time.Time
	Request    time.Time

	inactivityStep time.Duration
}

// NewDeadlines stamps the three deadlines from durations relative to now.
// A zero duration leaves that deadline unset.
func NewDeadlines(parse, inactivity, request time.Duration) Deadlines {
	now := Clock.Now()
	d := Deadlines{inactivityStep: inactivity}
	if parse > 0 {
		d.Parse = now.Add(parse)
	}
	if inactivity > 0 {
		d.Inactivity = now.Add(inactivity)
	}
	if request > 0 {
		d.Request = now.Add(request)
	}
	return d
}

// Update advances the inactivity deadline after a successful I/O.
func (d *Deadlines) Update() {
	if d.inactivityStep > 0 {
		d.Inactivity = Clock.Now().Add(d.inactivityStep)
	}
}

// ClearParse drops the parse deadline once the header block has arrived.
func (d *Deadlines) ClearParse() {
	d.Parse = time.Time{}
}

// Nearest returns the soonest set deadline, or the zero time when none is
// set.
func (d *Deadlines) Nearest() time.Time {
	nearest := d.Parse
	for _, t := range []time.Time{d.Inactivity, d.Request} {
		if t.IsZero() {
			continue
		}
		if nearest.IsZero() || t.Before(nearest) {
			nearest = t
		}
	}
	return nearest
}

// Expired reports whether any set deadline has lapsed.
func (d *Deadlines) Expired() bool {
	now := Clock.Now()
	for _, t := range []time.Time{d.Parse, d.Inactivity, d.Request} {
		if !t.IsZero() && now.After(t) {
			return true
		}
	}
	return false
}

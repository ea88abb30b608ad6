package mqtt

import (
	"sync"
	"time"
)

// DailyTokens accumulates extraction token usage for the tokens_today
// state topic, resetting at local midnight. Safe for concurrent use;
// the bridge feeds it from run-completed events.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	requests int64
	date     string // local calendar date the counters belong to
	loc      *time.Location
}

// NewDailyTokens creates an accumulator that rolls over at midnight in
// loc. A nil loc means [time.Local].
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc}
	d.date = d.today()
	return d
}

// OnTokens adds one run's token counts to the current day.
func (d *DailyTokens) OnTokens(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.requests++
}

// Snapshot returns today's input tokens, output tokens, and run count.
func (d *DailyTokens) Snapshot() (input, output, requests int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	return d.input, d.output, d.requests
}

func (d *DailyTokens) today() string {
	return time.Now().In(d.loc).Format(time.DateOnly)
}

// rollover zeroes the counters when the local date has moved on.
// Callers hold d.mu.
func (d *DailyTokens) rollover() {
	if today := d.today(); today != d.date {
		d.input, d.output, d.requests = 0, 0, 0
		d.date = today
	}
}

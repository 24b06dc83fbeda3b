package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reelrelay/engine/pkg/common/clock"
)

// Evaluator decides whether a schedule fires right now. It compares wall-clock
// time in the schedule's timezone at hour:minute granularity; a minute missed
// by the orchestrator is skipped for the day, never caught up.
type Evaluator struct {
	clock clock.Clock
}

func NewEvaluator(clk clock.Clock) *Evaluator {
	return &Evaluator{clock: clk}
}

// ShouldFire returns true iff the current local time equals one of the
// schedule's publish times. An empty time list never fires. A malformed
// timezone is an error so the orchestrator can isolate the schedule.
func (e *Evaluator) ShouldFire(publishTimes []string, timezone string) (bool, error) {
	if len(publishTimes) == 0 {
		return false, nil
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return false, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	now := e.clock.Now().In(loc)
	nowHour, nowMinute := now.Hour(), now.Minute()

	for _, entry := range publishTimes {
		hour, minute, err := parseClockTime(entry)
		if err != nil {
			// One malformed entry must not disable the rest.
			continue
		}
		if hour == nowHour && minute == nowMinute {
			return true, nil
		}
	}
	return false, nil
}

// parseClockTime accepts "HH:MM" and "H:MM".
func parseClockTime(s string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed publish time %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("malformed publish time %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("malformed publish time %q", s)
	}
	return hour, minute, nil
}

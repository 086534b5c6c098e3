// internal/billing/tou.go
package billing

import (
	"fmt"
	"time"

	"github.com/deannos/nem-billing-pipeline/internal/rates"
)

// IsPeakTime classifies at against the ToU schedule. The peak window is half-open
// [peak_start, peak_end). On a malformed schedule it returns false with the parse error.
func IsPeakTime(at time.Time, tou rates.ToU) (bool, error) {
	startStr, endStr := tou.PeakWindow()
	start, err := parseClock(startStr)
	if err != nil {
		return false, fmt.Errorf("parse peak_start: %w", err)
	}
	end, err := parseClock(endStr)
	if err != nil {
		return false, fmt.Errorf("parse peak_end: %w", err)
	}

	if tou.WeekendOffpeak() && isWeekend(at) {
		return false, nil
	}
	if tou.IsHoliday(at.Format("2006-01-02")) {
		return false, nil
	}

	tod := sinceMidnight(at)
	return tod >= start && tod < end, nil
}

func parseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

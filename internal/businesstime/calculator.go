package businesstime

import (
	"math"
	"time"
)

// ElapsedMinutes returns the clock minutes between start and end. A nil calendar counts wall-clock
// time; otherwise only time inside business windows counts. end before start yields a negative value.
func ElapsedMinutes(start, end time.Time, c *Calendar) float64 {
	if c == nil {
		return end.Sub(start).Minutes()
	}
	return c.Elapsed(start, end).Minutes()
}

// CalculateDueDate returns the instant offsetHours of clock time after start
func CalculateDueDate(start time.Time, offsetHours float64, c *Calendar) (time.Time, error) {
	offset := hoursToDuration(offsetHours)
	if c == nil {
		return start.Add(offset), nil
	}
	return c.Add(start, offset)
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(math.Round(h * float64(time.Hour)))
}

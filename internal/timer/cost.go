package timer

import "math"

// CalculateCost returns the billable cost of a call lasting durationSeconds.
// Every started minute past the free allowance is billed at ratePerMinute.
func CalculateCost(durationSeconds, allowanceSeconds int, ratePerMinute float64) float64 {
	if durationSeconds <= allowanceSeconds || ratePerMinute <= 0 {
		return 0
	}

	return roundAmount(float64(BillableMinutes(durationSeconds, allowanceSeconds)) * ratePerMinute)
}

// BillableMinutes number of started minutes past the allowance.
func BillableMinutes(durationSeconds, allowanceSeconds int) int {
	over := durationSeconds - allowanceSeconds
	if over <= 0 {
		return 0
	}

	return (over + 59) / 60
}

func roundAmount(v float64) float64 {
	return math.Round(v*100) / 100
}

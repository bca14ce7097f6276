// Package billing implements tariff-segmented fee calculation and the
// periodic progress monitor that drives CHARGING sessions toward
// completion (spec.md §4.4). The time-of-day bucketing is grounded on
// original_source/services/billing_service.py's get_time_period (peak
// 10-15 and 18-21, valley 23-7 wrapping midnight, normal otherwise);
// spec.md additionally requires segmenting a session that spans more than
// one bucket and allocating energy to each bucket proportionally, which
// the original's single-period calculate_billing does not do.
package billing

import "time"

// Period is a tariff time-of-day bucket.
type Period string

const (
	PeriodPeak   Period = "peak"
	PeriodNormal Period = "normal"
	PeriodValley Period = "valley"
)

// Tariff holds the per-kWh rates and flat service fee rate (spec.md §6).
type Tariff struct {
	Peak    float64
	Normal  float64
	Valley  float64
	Service float64
}

// boundaryHours lists the hour-of-day cut points; periods are defined by the ranges
// between consecutive boundaries in this fixed daily schedule.
var boundaryHours = []int{0, 7, 10, 15, 18, 21, 23, 24}

func periodForHour(hour int) Period {
	switch {
	case hour >= 10 && hour < 15:
		return PeriodPeak
	case hour >= 18 && hour < 21:
		return PeriodPeak
	case hour >= 23 || hour < 7:
		return PeriodValley
	default:
		return PeriodNormal
	}
}

func (t Tariff) rateFor(p Period) float64 {
	switch p {
	case PeriodPeak:
		return t.Peak
	case PeriodValley:
		return t.Valley
	default:
		return t.Normal
	}
}

// segment is one contiguous slice of wall-clock time lying within a single
// day's boundary-to-boundary bucket.
type segment struct {
	start, end time.Time
}

// splitByDayBoundary walks [start, end) and cuts it at every boundary-hour
// crossing, on every calendar day the interval touches, so each returned
// segment lies fully within one fixed daily bucket.
func splitByDayBoundary(start, end time.Time) []segment {
	if !end.After(start) {
		return nil
	}
	var segs []segment
	cur := start
	for cur.Before(end) {
		dayStart := time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, cur.Location())
		next := end
		for _, h := range boundaryHours {
			cut := dayStart.Add(time.Duration(h) * time.Hour)
			if cut.After(cur) && cut.Before(next) {
				next = cut
			}
		}
		segs = append(segs, segment{start: cur, end: next})
		cur = next
	}
	return segs
}

// SegmentedFee allocates totalKWh across the time-of-day buckets the
// [start, end) interval passes through, proportional to each bucket's
// share of the total duration, then prices each bucket's energy at its
// tariff rate. Returns charging fee, flat service fee, and the sum.
func SegmentedFee(t Tariff, start, end time.Time, totalKWh float64) (chargingFee, serviceFee, totalFee float64) {
	segs := splitByDayBoundary(start, end)
	totalSeconds := end.Sub(start).Seconds()
	if totalSeconds <= 0 || len(segs) == 0 {
		return 0, 0, 0
	}

	var energyFee float64
	for _, s := range segs {
		frac := s.end.Sub(s.start).Seconds() / totalSeconds
		kwh := totalKWh * frac
		period := periodForHour(s.start.Hour())
		energyFee += kwh * t.rateFor(period)
	}

	chargingFee = round2(energyFee)
	serviceFee = round2(totalKWh * t.Service)
	totalFee = round2(chargingFee + serviceFee)
	return chargingFee, serviceFee, totalFee
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func round4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}

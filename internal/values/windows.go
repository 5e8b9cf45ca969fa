package values

import (
	"iter"
	"slices"
	"time"

	"github.com/lherron/dhismig/internal/domain"
)

// DayStep is the length of a day-level sub-window.
const DayStep = 3

// YearPlan selects the date ranges values are pulled for.
type YearPlan struct {
	// Specific lists explicit years. When empty, windows are derived from
	// the current year back Back years in steps of three.
	Specific []int
	Back     int
	// Months splits each explicit year into month windows.
	Months []time.Month
	// Days further splits each month into three-day windows.
	Days bool
}

// AllMonths is January through December.
func AllMonths() []time.Month {
	out := make([]time.Month, 12)
	for i := range out {
		out[i] = time.Month(i + 1)
	}
	return out
}

// Years returns the years the plan covers, ascending and unique.
func (p YearPlan) Years(now time.Time) []int {
	if len(p.Specific) > 0 {
		years := slices.Clone(p.Specific)
		slices.Sort(years)
		return slices.Compact(years)
	}
	current := now.Year()
	var years []int
	for i := 0; i <= p.Back/3; i++ {
		y := current - i*3
		if y < current-p.Back {
			break
		}
		years = append(years, y)
	}
	slices.Sort(years)
	return years
}

// Windows enumerates the fetch windows of plan. The sequence only depends on
// plan and the year of now, so a restarted run sees the same windows.
func Windows(plan YearPlan, now time.Time) iter.Seq[domain.Window] {
	return func(yield func(domain.Window) bool) {
		years := plan.Years(now)
		if len(plan.Specific) == 0 {
			for _, y := range years {
				last := min(y+2, now.Year())
				if !yield(domain.Window{Start: date(y, time.January, 1), End: date(last, time.December, 31)}) {
					return
				}
			}
			return
		}

		months := slices.Clone(plan.Months)
		slices.Sort(months)
		months = slices.Compact(months)
		for _, y := range years {
			if len(months) == 0 {
				if !yield(domain.Window{Start: date(y, time.January, 1), End: date(y, time.December, 31)}) {
					return
				}
				continue
			}
			for _, m := range months {
				first, last := date(y, m, 1), MonthEnd(y, m)
				if !plan.Days {
					if !yield(domain.Window{Start: first, End: last}) {
						return
					}
					continue
				}
				for d := first; !d.After(last); d = d.AddDate(0, 0, DayStep) {
					end := d.AddDate(0, 0, DayStep-1)
					if end.After(last) {
						end = last
					}
					if !yield(domain.Window{Start: d, End: end}) {
						return
					}
				}
			}
		}
	}
}

// MonthEnd returns the last day of month m in year y.
func MonthEnd(y int, m time.Month) time.Time {
	return date(y, m+1, 0)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

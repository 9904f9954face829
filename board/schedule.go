package board

import (
	"sort"
	"time"

	"kanban-sync/domain"
)

// Window is the span of the day a timeline covers, in whole hours.
type Window struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

var DefaultWindow = Window{StartHour: 8, EndHour: 19}

// Slot places one task on a day timeline. Offsets are percentages of the window
// and are clamped to it.
type Slot struct {
	Task         domain.Task `json:"task"`
	LeftPercent  float64     `json:"left_percent"`
	WidthPercent float64     `json:"width_percent"`
}

// Schedule returns the tasks starting on day, ordered by start time. Dates are
// compared in day's location.
func Schedule(tasks []domain.Task, day time.Time, w Window) []Slot {
	if w.EndHour <= w.StartHour {
		w = DefaultWindow
	}
	loc := day.Location()
	span := float64(w.EndHour - w.StartHour)
	start, end := float64(w.StartHour), float64(w.EndHour)

	slots := []Slot{}
	for _, t := range tasks {
		if t.StartDate.IsZero() || !sameDay(t.StartDate.In(loc), day) {
			continue
		}
		from := clamp(hourOf(t.StartDate.In(loc)), start, end)
		to := from
		if !t.EndDate.IsZero() {
			to = clamp(hourOf(t.EndDate.In(loc)), from, end)
			if !sameDay(t.EndDate.In(loc), day) && t.EndDate.After(t.StartDate) {
				to = end
			}
		}
		slots = append(slots, Slot{
			Task:         t,
			LeftPercent:  (from - start) / span * 100,
			WidthPercent: (to - from) / span * 100,
		})
	}
	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].Task.StartDate.Before(slots[j].Task.StartDate)
	})
	return slots
}

// DaysWithTasks lists, in ascending order, the days of month's month on which
// at least one task starts.
func DaysWithTasks(tasks []domain.Task, month time.Time) []int {
	loc := month.Location()
	seen := make(map[int]struct{})
	for _, t := range tasks {
		if t.StartDate.IsZero() {
			continue
		}
		s := t.StartDate.In(loc)
		if s.Year() == month.Year() && s.Month() == month.Month() {
			seen[s.Day()] = struct{}{}
		}
	}
	days := make([]int, 0, len(seen))
	for d := range seen {
		days = append(days, d)
	}
	sort.Ints(days)
	return days
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func hourOf(t time.Time) float64 {
	return float64(t.Hour()) + float64(t.Minute())/60
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

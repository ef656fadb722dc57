package tracker

import (
	"math"
	"time"

	"github.com/starford/tracker/internal/statestore"
)

// DueSoonDays is the horizon, in days, of the due-soon count.
const DueSoonDays = 3

// DaysUntil returns the number of calendar days from now to a YYYY-MM-DD
// date in now's location: 0 today, negative when past. ok is false for an
// empty or malformed date.
func DaysUntil(date string, now time.Time) (days int, ok bool) {
	if date == "" {
		return 0, false
	}
	target, err := time.ParseInLocation(time.DateOnly, date, now.Location())
	if err != nil {
		return 0, false
	}
	y, m, d := now.Date()
	base := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return int(math.Round(target.Sub(base).Hours() / 24)), true
}

// Summary aggregates one project's tasks and notes.
type Summary struct {
	ProjectID string `json:"project_id"`
	Tasks     int    `json:"tasks"`
	Open      int    `json:"open"`
	Overdue   int    `json:"overdue"`
	DueSoon   int    `json:"due_soon"`
	// NoteCoverage is the percentage of the project's notes that at least
	// one task was raised from.
	NoteCoverage int `json:"note_coverage"`
}

// Summarize computes the Summary of projectID at now.
func Summarize(state statestore.Tree, projectID string, now time.Time) (Summary, error) {
	tasks, err := Tasks(state)
	if err != nil {
		return Summary{}, err
	}
	notes, err := Notes(state)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{ProjectID: projectID}
	raised := make(map[string]bool)
	for _, t := range tasks {
		if t.ProjectID != projectID {
			continue
		}
		s.Tasks++
		if t.NoteID != nil {
			raised[*t.NoteID] = true
		}
		if t.Status == StatusDone {
			continue
		}
		s.Open++
		if t.DueDate == nil {
			continue
		}
		if n, ok := DaysUntil(*t.DueDate, now); ok {
			switch {
			case n < 0:
				s.Overdue++
			case n <= DueSoonDays:
				s.DueSoon++
			}
		}
	}

	var total, linked int
	for _, n := range notes {
		if n.ProjectID != projectID {
			continue
		}
		total++
		if raised[n.ID] {
			linked++
		}
	}
	if total > 0 {
		s.NoteCoverage = int(math.Round(float64(linked) / float64(total) * 100))
	}
	return s, nil
}

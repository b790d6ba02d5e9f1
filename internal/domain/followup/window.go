package followup

import "github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/caldate"

// Window is the inclusive range of calendar dates [due-T, due+T] in which a
// return visit counts as the followup.
type Window struct {
	From caldate.Date `json:"from"`
	To   caldate.Date `json:"to"`
}

// NewWindow builds the window for due date d and tolerance t. Negative
// tolerances are treated as zero.
func NewWindow(d caldate.Date, t int) Window {
	if t < 0 {
		t = 0
	}
	return Window{From: d.AddDays(-t), To: d.AddDays(t)}
}

// Contains reports whether day lies inside the window, both ends included.
func (w Window) Contains(day caldate.Date) bool {
	return day.Between(w.From, w.To)
}

// ValidUntil is the last day of the window for due date d and tolerance t.
func ValidUntil(d caldate.Date, t int) caldate.Date {
	return NewWindow(d, t).To
}

// WindowState places a date relative to a window.
type WindowState string

const (
	WindowUpcoming WindowState = "upcoming"
	WindowOpen     WindowState = "in_window"
	WindowOverdue  WindowState = "overdue"
)

// StateOn classifies day against the window.
func (w Window) StateOn(day caldate.Date) WindowState {
	switch {
	case day.Before(w.From):
		return WindowUpcoming
	case day.After(w.To):
		return WindowOverdue
	default:
		return WindowOpen
	}
}

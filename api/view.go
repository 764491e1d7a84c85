package api

import (
	"time"

	"prism-calendar/domain"
	"prism-calendar/reconcile"
)

const monthLayout = "2006-01"

type dayView struct {
	Day      domain.Day    `json:"day"`
	Progress float64       `json:"progress"`
	Tasks    []domain.Task `json:"tasks"`
}

type monthView struct {
	Month    string       `json:"month"`
	Days     []dayView    `json:"days"`
	Selected *domain.Task `json:"selected,omitempty"`
	Notice   string       `json:"notice,omitempty"`
}

// parseMonth reads a YYYY-MM value. An empty value means the month of now.
func parseMonth(raw string, now time.Time) (int, time.Month, error) {
	if raw == "" {
		return now.Year(), now.Month(), nil
	}
	t, err := time.Parse(monthLayout, raw)
	if err != nil {
		return 0, 0, errInvalidMonth
	}
	return t.Year(), t.Month(), nil
}

// buildMonthView renders every day of the month with its ordered tasks and
// completion progress. A broken live query keeps the last known tasks and
// adds a notice.
func buildMonthView(session *reconcile.Session, year int, month time.Month) monthView {
	byDay := domain.GroupByDay(session.Tasks())
	days := domain.MonthDays(year, month)

	view := monthView{
		Month: time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).Format(monthLayout),
		Days:  make([]dayView, 0, len(days)),
	}
	for _, day := range days {
		tasks := byDay[day]
		if tasks == nil {
			tasks = []domain.Task{}
		}
		view.Days = append(view.Days, dayView{Day: day, Progress: domain.Progress(tasks), Tasks: tasks})
	}
	if selected, ok := session.Selected(); ok {
		view.Selected = &selected
	}
	if session.LastError() != nil {
		view.Notice = noticeUnavailable
	}
	return view
}

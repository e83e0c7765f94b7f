package scheduler

import (
	"time"

	"github.com/seantiz/flowtask/internal/model"
)

// IsDueOnce reports whether a one-shot trigger at `at` should fire at now:
// the time has passed and the task has not fired since.
func IsDueOnce(at, lastTriggered *time.Time, now time.Time) bool {
	if at == nil {
		return false
	}
	if now.Before(*at) {
		return false
	}
	if lastTriggered == nil {
		return true
	}
	return lastTriggered.Before(*at)
}

// IsDueToday reports whether a daily HH:MM trigger should fire at now. The
// hour and minute are compared in now's location, and the task fires at most
// once per local calendar day.
func IsDueToday(scheduleTime string, lastTriggered *time.Time, now time.Time) bool {
	hour, minute, err := model.ParseScheduleTime(scheduleTime)
	if err != nil {
		return false
	}
	if now.Hour() != hour || now.Minute() != minute {
		return false
	}
	if lastTriggered == nil {
		return true
	}
	return !sameDay(lastTriggered.In(now.Location()), now)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// IsDue reports whether the task should be dispatched at now. Running tasks
// are never due.
func IsDue(t model.ScheduledTask, now time.Time) bool {
	if !t.Schedule.Enabled || t.Status == model.StatusRunning {
		return false
	}
	if IsDueOnce(t.Schedule.At, t.Schedule.LastTriggeredAt, now) {
		return true
	}
	return IsDueToday(t.Schedule.Time, t.Schedule.LastTriggeredAt, now)
}

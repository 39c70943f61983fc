package store

import "time"

// TimeEntry is the authoritative timer record, one per (user, project, calendar day).
// Durations are integer seconds. Once IsCheckedOut is set the row is immutable.
type TimeEntry struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"userId"`
	ProjectID            string     `json:"projectId"`
	CompanyID            string     `json:"companyId"`
	SubTaskID            *string    `json:"subTaskId,omitempty"`
	Date                 string     `json:"date"`
	CheckIn              time.Time  `json:"checkIn"`
	CheckOut             *time.Time `json:"checkOut,omitempty"`
	IsRunning            bool       `json:"isRunning"`
	LastPaused           *time.Time `json:"lastPaused,omitempty"`
	PausedDuration       int64      `json:"pausedDuration"`
	EffectiveElapsedTime int64      `json:"effectiveElapsedTime"`
	TotalDuration        int64      `json:"totalDuration"`
	IsCheckedOut         bool       `json:"isCheckedOut"`
}

// Project is the slice of the project registry this service needs for
// authorization checks.
type Project struct {
	ID        string `json:"id"`
	CompanyID string `json:"companyId"`
	Title     string `json:"title"`
}

// OpenTimerFlags reports which check-in preconditions are violated for a
// (user, company, date, project) tuple.
type OpenTimerFlags struct {
	SameProjectOpen bool
	OtherRunning    bool
}

// UserProjectAggregate is one row of the per-user reporting rollup over
// checked-out entries.
type UserProjectAggregate struct {
	UserID         string     `json:"userId"`
	TotalDuration  int64      `json:"totalDuration"`
	TotalSessions  int64      `json:"totalSessions"`
	AvgSessionTime int64      `json:"avgSessionTime"`
	LastActivity   *time.Time `json:"lastActivity,omitempty"`
}

// ProjectStat is one row of the company dashboard rollup.
type ProjectStat struct {
	ProjectID      string `json:"projectId"`
	ProjectTitle   string `json:"projectTitle"`
	TotalTime      int64  `json:"totalTime"`
	TotalSessions  int64  `json:"totalSessions"`
	UniqueUsers    int64  `json:"uniqueUsersCount"`
	AvgSessionTime int64  `json:"avgSessionTime"`
}

package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"

	"timecard/api/internal/auth"
	"timecard/api/internal/config"
	"timecard/api/internal/projectcache"
	"timecard/api/internal/store"
	"timecard/api/internal/util"
)

// Principal is the resolved identity behind a request. Identity issuance is an
// external concern; the service only consumes the company id.
type Principal struct {
	UserID    string
	CompanyID string
	Role      string
}

type CheckInInput struct {
	ProjectID string `json:"projectId" validate:"required,entity_id"`
	SubTaskID string `json:"subTaskId" validate:"omitempty,entity_id"`
}

type ProjectInput struct {
	ProjectID string `json:"projectId" validate:"required,entity_id"`
}

type UserTimeQuery struct {
	ProjectID string `validate:"required,entity_id"`
	Date      string `validate:"omitempty,datetime=2006-01-02"`
}

type RangeQuery struct {
	ProjectID string `validate:"required,entity_id"`
	StartDate string `validate:"omitempty,datetime=2006-01-02"`
	EndDate   string `validate:"omitempty,datetime=2006-01-02"`
}

type DashboardQuery struct {
	StartDate string `validate:"omitempty,datetime=2006-01-02"`
	EndDate   string `validate:"omitempty,datetime=2006-01-02"`
}

// ElapsedSnapshot is the authoritative view handed to predictive clients.
type ElapsedSnapshot struct {
	IsRunning      bool       `json:"isRunning"`
	IsCheckedOut   bool       `json:"isCheckedOut"`
	ElapsedTime    int64      `json:"elapsedTime"`
	PausedDuration int64      `json:"pausedDuration"`
	CheckInTime    *time.Time `json:"checkInTime,omitempty"`
	TotalDuration  int64      `json:"totalDuration,omitempty"`
}

type ToggleResult struct {
	IsRunning      bool  `json:"isRunning"`
	ElapsedTime    int64 `json:"elapsedTime"`
	PausedDuration int64 `json:"pausedDuration"`
}

type CheckOutResult struct {
	TotalDuration int64     `json:"totalDuration"`
	FormattedTime string    `json:"formattedTime"`
	CheckOutTime  time.Time `json:"checkOutTime"`
}

type UserTimeResult struct {
	ProjectID          string            `json:"projectId"`
	Date               string            `json:"date"`
	TotalTime          int64             `json:"totalTime"`
	FormattedTotalTime string            `json:"formattedTotalTime"`
	Entries            []store.TimeEntry `json:"entries"`
}

type UserAggregateRow struct {
	store.UserProjectAggregate
	FormattedTotalTime string `json:"formattedTotalTime"`
}

type DashboardResult struct {
	ActiveTimers       int               `json:"activeTimers"`
	ActiveTimerDetails []store.TimeEntry `json:"activeTimerDetails"`
	ProjectStats       []store.ProjectStat `json:"projectStats"`
	TodayActivity      []store.TimeEntry `json:"todayActivity"`
	DateRange          DateRange         `json:"dateRange"`
}

type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type dataStore interface {
	Ping(context.Context) error
	OpenTimers(ctx context.Context, userID, companyID, date, projectID string) (store.OpenTimerFlags, error)
	InsertTimeEntry(context.Context, store.TimeEntry) error
	GetOpenEntry(ctx context.Context, userID, projectID, companyID, date string) (store.TimeEntry, error)
	PauseEntry(ctx context.Context, entryID string, now time.Time) (store.TimeEntry, bool, error)
	ResumeEntry(ctx context.Context, entryID string, now time.Time) (store.TimeEntry, bool, error)
	CheckOutEntry(ctx context.Context, entryID string, now time.Time) (store.TimeEntry, bool, error)
	ListEntriesForDay(ctx context.Context, userID, projectID, companyID, date string) ([]store.TimeEntry, error)
	AggregateUsersForProject(ctx context.Context, projectID, companyID, startDate, endDate string) ([]store.UserProjectAggregate, error)
	ActiveTimers(ctx context.Context, companyID string) ([]store.TimeEntry, error)
	ProjectStats(ctx context.Context, companyID, startDate, endDate string) ([]store.ProjectStat, error)
	EntriesForDate(ctx context.Context, companyID, date string) ([]store.TimeEntry, error)
}

type projectValidator interface {
	Validate(ctx context.Context, projectID, companyID string) (store.Project, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	projects projectValidator
	validate *validator.Validate
	now      func() time.Time
}

var entityIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func newValidate() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("entity_id", func(fl validator.FieldLevel) bool {
		return entityIDPattern.MatchString(fl.Field().String())
	})
	return v
}

func New(cfg config.Config, dataStore dataStore, projects projectValidator) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		projects: projects,
		validate: newValidate(),
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PrincipalFromToken verifies a bearer token and unpacks the principal. The
// token is issued by the identity provider; only verification happens here.
func (s *Service) PrincipalFromToken(token string) (Principal, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		UserID:    claims.Sub,
		CompanyID: claims.CompanyID,
		Role:      claims.Role,
	}, nil
}

func (s *Service) today() string {
	return s.now().Format("2006-01-02")
}

func (s *Service) requireValid(input any, message string) error {
	if err := s.validate.Struct(input); err != nil {
		return validationError(message)
	}
	return nil
}

func (s *Service) authorizeProject(ctx context.Context, projectID, companyID string) error {
	_, err := s.projects.Validate(ctx, projectID, companyID)
	if errors.Is(err, projectcache.ErrProjectNotFound) {
		return authorizationError("Project not found or access denied")
	}
	if err != nil {
		return fmt.Errorf("authorize project: %w", err)
	}
	return nil
}

// CheckIn opens today's entry for the project. Per-project uniqueness and
// one-running-timer-globally are checked up front for precise messages; the
// partial unique indexes close the window two concurrent check-ins leave.
func (s *Service) CheckIn(ctx context.Context, principal Principal, input CheckInInput) (store.TimeEntry, error) {
	if err := s.requireValid(input, "Invalid Project ID"); err != nil {
		return store.TimeEntry{}, err
	}
	if err := s.authorizeProject(ctx, input.ProjectID, principal.CompanyID); err != nil {
		return store.TimeEntry{}, err
	}

	date := s.today()
	flags, err := s.store.OpenTimers(ctx, principal.UserID, principal.CompanyID, date, input.ProjectID)
	if err != nil {
		return store.TimeEntry{}, err
	}
	if flags.SameProjectOpen {
		return store.TimeEntry{}, conflictError("You have already checked in for this project today.")
	}
	if flags.OtherRunning {
		return store.TimeEntry{}, conflictError("You have an active timer running for another project. Please check out first.")
	}

	entry := store.TimeEntry{
		ID:        util.NewID("te"),
		UserID:    principal.UserID,
		ProjectID: input.ProjectID,
		CompanyID: principal.CompanyID,
		Date:      date,
		CheckIn:   s.now(),
		IsRunning: true,
	}
	if input.SubTaskID != "" {
		subTask := input.SubTaskID
		entry.SubTaskID = &subTask
	}

	if err := s.store.InsertTimeEntry(ctx, entry); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateEntry):
			return store.TimeEntry{}, conflictError("You have already checked in for this project today.")
		case errors.Is(err, store.ErrTimerRunning):
			return store.TimeEntry{}, conflictError("You have an active timer running for another project. Please check out first.")
		}
		return store.TimeEntry{}, err
	}
	return entry, nil
}

// GetElapsedTime returns the authoritative elapsed view for today's entry.
// A missing entry is not an error: clients receive a zeroed snapshot.
func (s *Service) GetElapsedTime(ctx context.Context, principal Principal, projectID string) (ElapsedSnapshot, error) {
	if err := s.requireValid(ProjectInput{ProjectID: projectID}, "Invalid Project ID"); err != nil {
		return ElapsedSnapshot{}, err
	}

	entry, err := s.store.GetOpenEntry(ctx, principal.UserID, projectID, principal.CompanyID, s.today())
	if errors.Is(err, sql.ErrNoRows) {
		return ElapsedSnapshot{IsRunning: false, IsCheckedOut: true, ElapsedTime: 0}, nil
	}
	if err != nil {
		return ElapsedSnapshot{}, err
	}

	checkIn := entry.CheckIn
	return ElapsedSnapshot{
		IsRunning:      entry.IsRunning,
		IsCheckedOut:   entry.IsCheckedOut,
		ElapsedTime:    s.elapsedSeconds(entry),
		PausedDuration: entry.PausedDuration,
		CheckInTime:    &checkIn,
	}, nil
}

// PauseOrResume toggles the running state as a single CAS keyed on the
// discriminant read in the same operation. A losing attempt is retried once
// against fresh state, then surfaced as a conflict.
func (s *Service) PauseOrResume(ctx context.Context, principal Principal, projectID string) (ToggleResult, error) {
	if err := s.requireValid(ProjectInput{ProjectID: projectID}, "Invalid Project ID"); err != nil {
		return ToggleResult{}, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		entry, err := s.store.GetOpenEntry(ctx, principal.UserID, projectID, principal.CompanyID, s.today())
		if errors.Is(err, sql.ErrNoRows) {
			return ToggleResult{}, notFoundError("No active session found to pause or resume.")
		}
		if err != nil {
			return ToggleResult{}, err
		}
		if entry.IsCheckedOut {
			return ToggleResult{}, conflictError("You have already checked out for this project.")
		}

		var (
			updated store.TimeEntry
			applied bool
		)
		if entry.IsRunning {
			updated, applied, err = s.store.PauseEntry(ctx, entry.ID, s.now())
		} else {
			if entry.LastPaused == nil {
				return ToggleResult{}, conflictError("Cannot resume without a paused state.")
			}
			updated, applied, err = s.store.ResumeEntry(ctx, entry.ID, s.now())
		}
		if err != nil {
			return ToggleResult{}, err
		}
		if !applied {
			continue
		}

		return ToggleResult{
			IsRunning:      updated.IsRunning,
			ElapsedTime:    s.elapsedSeconds(updated),
			PausedDuration: updated.PausedDuration,
		}, nil
	}
	return ToggleResult{}, conflictError("Timer was updated from another device. Please refresh and try again.")
}

// CheckOut seals today's entry. Terminal: once sealed, every further mutation
// answers with a conflict.
func (s *Service) CheckOut(ctx context.Context, principal Principal, projectID string) (CheckOutResult, error) {
	if err := s.requireValid(ProjectInput{ProjectID: projectID}, "Invalid Project ID"); err != nil {
		return CheckOutResult{}, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		entry, err := s.store.GetOpenEntry(ctx, principal.UserID, projectID, principal.CompanyID, s.today())
		if errors.Is(err, sql.ErrNoRows) {
			if attempt > 0 {
				// The other writer sealed it between our read and our CAS.
				return CheckOutResult{}, conflictError("You have already checked out for this project.")
			}
			return CheckOutResult{}, notFoundError("No active session found to check out.")
		}
		if err != nil {
			return CheckOutResult{}, err
		}
		if entry.IsCheckedOut {
			return CheckOutResult{}, conflictError("You have already checked out for this project.")
		}
		if !entry.IsRunning && entry.LastPaused != nil {
			return CheckOutResult{}, conflictError("Cannot check out while paused. Resume the timer before checking out.")
		}

		updated, applied, err := s.store.CheckOutEntry(ctx, entry.ID, s.now())
		if err != nil {
			return CheckOutResult{}, err
		}
		if !applied {
			continue
		}

		checkOut := s.now()
		if updated.CheckOut != nil {
			checkOut = *updated.CheckOut
		}
		return CheckOutResult{
			TotalDuration: updated.TotalDuration,
			FormattedTime: formatClock(updated.TotalDuration),
			CheckOutTime:  checkOut,
		}, nil
	}
	return CheckOutResult{}, conflictError("Timer was updated from another device. Please refresh and try again.")
}

// GetUserTimeProject lists one user's entries for a project and day and sums
// their work time. Open entries contribute their frozen effective elapsed.
func (s *Service) GetUserTimeProject(ctx context.Context, principal Principal, query UserTimeQuery) (UserTimeResult, error) {
	if err := s.requireValid(query, "Valid Project ID is required."); err != nil {
		return UserTimeResult{}, err
	}
	date := query.Date
	if date == "" {
		date = s.today()
	}

	entries, err := s.store.ListEntriesForDay(ctx, principal.UserID, query.ProjectID, principal.CompanyID, date)
	if err != nil {
		return UserTimeResult{}, err
	}

	var total int64
	for _, entry := range entries {
		if entry.TotalDuration > 0 {
			total += entry.TotalDuration
		} else {
			total += entry.EffectiveElapsedTime
		}
	}

	return UserTimeResult{
		ProjectID:          query.ProjectID,
		Date:               date,
		TotalTime:          total,
		FormattedTotalTime: formatClock(total),
		Entries:            entries,
	}, nil
}

// GetUsersTimeProject rolls up completed sessions per user for one project.
func (s *Service) GetUsersTimeProject(ctx context.Context, principal Principal, query RangeQuery) ([]UserAggregateRow, error) {
	if err := s.requireValid(query, "Valid Project ID is required."); err != nil {
		return nil, err
	}
	if err := s.authorizeProject(ctx, query.ProjectID, principal.CompanyID); err != nil {
		return nil, err
	}

	aggregates, err := s.store.AggregateUsersForProject(ctx, query.ProjectID, principal.CompanyID, query.StartDate, query.EndDate)
	if err != nil {
		return nil, err
	}

	rows := make([]UserAggregateRow, 0, len(aggregates))
	for _, aggregate := range aggregates {
		rows = append(rows, UserAggregateRow{
			UserProjectAggregate: aggregate,
			FormattedTotalTime:   formatHoursMinutes(aggregate.TotalDuration),
		})
	}
	return rows, nil
}

// CompanyDashboard assembles active timers, per-project stats over the range
// (default trailing seven days) and today's raw activity.
func (s *Service) CompanyDashboard(ctx context.Context, principal Principal, query DashboardQuery) (DashboardResult, error) {
	if err := s.requireValid(query, "Invalid date range"); err != nil {
		return DashboardResult{}, err
	}

	today := s.today()
	dateRange := DateRange{
		Start: query.StartDate,
		End:   query.EndDate,
	}
	if dateRange.Start == "" {
		dateRange.Start = s.now().AddDate(0, 0, -7).Format("2006-01-02")
	}
	if dateRange.End == "" {
		dateRange.End = today
	}

	active, err := s.store.ActiveTimers(ctx, principal.CompanyID)
	if err != nil {
		return DashboardResult{}, err
	}
	stats, err := s.store.ProjectStats(ctx, principal.CompanyID, dateRange.Start, dateRange.End)
	if err != nil {
		return DashboardResult{}, err
	}
	todayActivity, err := s.store.EntriesForDate(ctx, principal.CompanyID, today)
	if err != nil {
		return DashboardResult{}, err
	}

	return DashboardResult{
		ActiveTimers:       len(active),
		ActiveTimerDetails: active,
		ProjectStats:       stats,
		TodayActivity:      todayActivity,
		DateRange:          dateRange,
	}, nil
}

// elapsedSeconds mirrors the authoritative duration math: wall-clock delta
// minus paused time while running, the frozen snapshot otherwise. The server
// clock is the only clock; negatives from clock steps clamp to zero.
func (s *Service) elapsedSeconds(entry store.TimeEntry) int64 {
	if !entry.IsRunning {
		return entry.EffectiveElapsedTime
	}
	raw := int64(s.now().Sub(entry.CheckIn) / time.Second)
	if elapsed := raw - entry.PausedDuration; elapsed > 0 {
		return elapsed
	}
	return 0
}

func formatClock(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%dh %dm %ds", seconds/3600, (seconds%3600)/60, seconds%60)
}

func formatHoursMinutes(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateEntry means an open entry already exists for the same
	// (user, project, day).
	ErrDuplicateEntry = errors.New("open entry already exists for project")
	// ErrTimerRunning means the user already has a running timer on some
	// project for the day.
	ErrTimerRunning = errors.New("running timer already exists for user")
)

const entryColumns = `id, user_id, project_id, company_id, sub_task_id, date, check_in, check_out,
	is_running, last_paused, paused_duration, effective_elapsed_time, total_duration, is_checked_out`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetProject is the registry lookup the authorization cache sits in front of.
func (s *PostgresStore) GetProject(ctx context.Context, projectID, companyID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, title FROM projects WHERE id=$1 AND company_id=$2
	`, projectID, companyID).Scan(&project.ID, &project.CompanyID, &project.Title)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, company_id, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, project.ID, project.CompanyID, project.Title)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// OpenTimers reports, in one query, whether the user already has an open entry
// on the given project or a running timer on any other project for the day.
func (s *PostgresStore) OpenTimers(ctx context.Context, userID, companyID, date, projectID string) (OpenTimerFlags, error) {
	var flags OpenTimerFlags
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(BOOL_OR(project_id = $4), FALSE),
			COALESCE(BOOL_OR(is_running), FALSE)
		FROM time_entries
		WHERE user_id=$1 AND company_id=$2 AND date=$3 AND NOT is_checked_out
			AND (project_id = $4 OR is_running)
	`, userID, companyID, date, projectID).Scan(&flags.SameProjectOpen, &flags.OtherRunning)
	if err != nil {
		return OpenTimerFlags{}, fmt.Errorf("check open timers: %w", err)
	}
	return flags, nil
}

// InsertTimeEntry creates the check-in row. The partial unique indexes are the
// backstop for the race two concurrent check-ins can otherwise win together;
// violations surface as ErrDuplicateEntry / ErrTimerRunning.
func (s *PostgresStore) InsertTimeEntry(ctx context.Context, entry TimeEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO time_entries (
			id, user_id, project_id, company_id, sub_task_id, date, check_in,
			is_running, paused_duration, effective_elapsed_time
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.UserID, entry.ProjectID, entry.CompanyID, entry.SubTaskID,
		entry.Date, entry.CheckIn, entry.IsRunning, entry.PausedDuration, entry.EffectiveElapsedTime)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case "uniq_open_entry":
				return ErrDuplicateEntry
			case "uniq_running_timer":
				return ErrTimerRunning
			}
		}
		return fmt.Errorf("insert time entry: %w", err)
	}
	return nil
}

// GetOpenEntry returns today's non-checked-out entry for the tuple, or
// sql.ErrNoRows.
func (s *PostgresStore) GetOpenEntry(ctx context.Context, userID, projectID, companyID, date string) (TimeEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM time_entries
		WHERE user_id=$1 AND project_id=$2 AND company_id=$3 AND date=$4 AND NOT is_checked_out
	`, userID, projectID, companyID, date)
	return scanEntry(row)
}

// PauseEntry freezes the effective elapsed time and stamps last_paused, as a
// single conditional update keyed on is_running. The elapsed snapshot is
// computed inside the statement from stored columns so a losing writer cannot
// apply math from a stale read. Returns false if the CAS lost.
func (s *PostgresStore) PauseEntry(ctx context.Context, entryID string, now time.Time) (TimeEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE time_entries
		SET is_running = FALSE,
			last_paused = $2,
			effective_elapsed_time = GREATEST(0,
				FLOOR(EXTRACT(EPOCH FROM ($2::timestamptz - check_in)))::BIGINT - paused_duration)
		WHERE id=$1 AND is_running AND NOT is_checked_out
		RETURNING `+entryColumns+`
	`, entryID, now)
	return scanEntryCAS(row, "pause entry")
}

// ResumeEntry folds the elapsed pause into paused_duration and restarts the
// timer, keyed on the paused discriminant. Returns false if the CAS lost.
func (s *PostgresStore) ResumeEntry(ctx context.Context, entryID string, now time.Time) (TimeEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE time_entries
		SET is_running = TRUE,
			paused_duration = paused_duration + GREATEST(0,
				FLOOR(EXTRACT(EPOCH FROM ($2::timestamptz - last_paused)))::BIGINT),
			last_paused = NULL
		WHERE id=$1 AND NOT is_running AND last_paused IS NOT NULL AND NOT is_checked_out
		RETURNING `+entryColumns+`
	`, entryID, now)
	return scanEntryCAS(row, "resume entry")
}

// CheckOutEntry seals the entry. Only a running entry may check out; a paused
// one must resume first, and the is_checked_out guard makes the terminal
// transition fire at most once. Returns false if the CAS lost.
func (s *PostgresStore) CheckOutEntry(ctx context.Context, entryID string, now time.Time) (TimeEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE time_entries
		SET is_running = FALSE,
			is_checked_out = TRUE,
			check_out = $2,
			total_duration = GREATEST(0,
				FLOOR(EXTRACT(EPOCH FROM ($2::timestamptz - check_in)))::BIGINT - paused_duration),
			effective_elapsed_time = GREATEST(0,
				FLOOR(EXTRACT(EPOCH FROM ($2::timestamptz - check_in)))::BIGINT - paused_duration)
		WHERE id=$1 AND is_running AND NOT is_checked_out
		RETURNING `+entryColumns+`
	`, entryID, now)
	return scanEntryCAS(row, "check out entry")
}

// ListEntriesForDay returns every entry (open or sealed) for the tuple and
// day, newest check-in first.
func (s *PostgresStore) ListEntriesForDay(ctx context.Context, userID, projectID, companyID, date string) ([]TimeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM time_entries
		WHERE user_id=$1 AND project_id=$2 AND company_id=$3 AND date=$4
		ORDER BY check_in DESC
	`, userID, projectID, companyID, date)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return collectEntries(rows)
}

// AggregateUsersForProject rolls up checked-out sessions per user. The date
// bounds are inclusive and optional (empty strings mean unbounded).
func (s *PostgresStore) AggregateUsersForProject(ctx context.Context, projectID, companyID, startDate, endDate string) ([]UserProjectAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id,
			COALESCE(SUM(total_duration), 0),
			COUNT(*),
			COALESCE(ROUND(AVG(total_duration)), 0)::BIGINT,
			MAX(check_out)
		FROM time_entries
		WHERE project_id=$1 AND company_id=$2 AND is_checked_out
			AND ($3 = '' OR date >= $3)
			AND ($4 = '' OR date <= $4)
		GROUP BY user_id
		ORDER BY SUM(total_duration) DESC
	`, projectID, companyID, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("aggregate users: %w", err)
	}
	defer rows.Close()

	items := make([]UserProjectAggregate, 0)
	for rows.Next() {
		var item UserProjectAggregate
		if err := rows.Scan(&item.UserID, &item.TotalDuration, &item.TotalSessions, &item.AvgSessionTime, &item.LastActivity); err != nil {
			return nil, fmt.Errorf("scan user aggregate: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user aggregates: %w", err)
	}
	return items, nil
}

// ActiveTimers lists every running, non-checked-out entry for the company.
func (s *PostgresStore) ActiveTimers(ctx context.Context, companyID string) ([]TimeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM time_entries
		WHERE company_id=$1 AND is_running AND NOT is_checked_out
		ORDER BY check_in DESC
	`, companyID)
	if err != nil {
		return nil, fmt.Errorf("list active timers: %w", err)
	}
	return collectEntries(rows)
}

// ProjectStats rolls up checked-out sessions per project over an inclusive
// date range.
func (s *PostgresStore) ProjectStats(ctx context.Context, companyID, startDate, endDate string) ([]ProjectStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.project_id,
			COALESCE(p.title, 'Unknown Project'),
			COALESCE(SUM(e.total_duration), 0),
			COUNT(*),
			COUNT(DISTINCT e.user_id),
			COALESCE(ROUND(AVG(e.total_duration)), 0)::BIGINT
		FROM time_entries e
		LEFT JOIN projects p ON p.id = e.project_id
		WHERE e.company_id=$1 AND e.is_checked_out AND e.date >= $2 AND e.date <= $3
		GROUP BY e.project_id, p.title
		ORDER BY SUM(e.total_duration) DESC
	`, companyID, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("project stats: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectStat, 0)
	for rows.Next() {
		var item ProjectStat
		if err := rows.Scan(&item.ProjectID, &item.ProjectTitle, &item.TotalTime, &item.TotalSessions, &item.UniqueUsers, &item.AvgSessionTime); err != nil {
			return nil, fmt.Errorf("scan project stat: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project stats: %w", err)
	}
	return items, nil
}

// EntriesForDate lists every company entry for one calendar day, any state.
func (s *PostgresStore) EntriesForDate(ctx context.Context, companyID, date string) ([]TimeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM time_entries
		WHERE company_id=$1 AND date=$2
		ORDER BY check_in DESC
	`, companyID, date)
	if err != nil {
		return nil, fmt.Errorf("list entries for date: %w", err)
	}
	return collectEntries(rows)
}

func scanEntry(row *sql.Row) (TimeEntry, error) {
	var entry TimeEntry
	err := row.Scan(
		&entry.ID, &entry.UserID, &entry.ProjectID, &entry.CompanyID, &entry.SubTaskID,
		&entry.Date, &entry.CheckIn, &entry.CheckOut, &entry.IsRunning, &entry.LastPaused,
		&entry.PausedDuration, &entry.EffectiveElapsedTime, &entry.TotalDuration, &entry.IsCheckedOut,
	)
	if err != nil {
		return TimeEntry{}, err
	}
	return entry, nil
}

func scanEntryCAS(row *sql.Row, op string) (TimeEntry, bool, error) {
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TimeEntry{}, false, nil
	}
	if err != nil {
		return TimeEntry{}, false, fmt.Errorf("%s: %w", op, err)
	}
	return entry, true, nil
}

func collectEntries(rows *sql.Rows) ([]TimeEntry, error) {
	defer rows.Close()
	items := make([]TimeEntry, 0)
	for rows.Next() {
		var entry TimeEntry
		if err := rows.Scan(
			&entry.ID, &entry.UserID, &entry.ProjectID, &entry.CompanyID, &entry.SubTaskID,
			&entry.Date, &entry.CheckIn, &entry.CheckOut, &entry.IsRunning, &entry.LastPaused,
			&entry.PausedDuration, &entry.EffectiveElapsedTime, &entry.TotalDuration, &entry.IsCheckedOut,
		); err != nil {
			return nil, fmt.Errorf("scan time entry: %w", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate time entries: %w", err)
	}
	return items, nil
}

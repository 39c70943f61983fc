// Package export renders reporting rollups as Excel workbooks.
package export

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

// UserTimeRow is one user's rollup over completed sessions for a project.
type UserTimeRow struct {
	UserID         string
	TotalDuration  int64
	TotalSessions  int64
	AvgSessionTime int64
	LastActivity   *time.Time
	FormattedTotal string
}

// UsersTimeWorkbook builds an xlsx with one row per user, sorted as given.
func UsersTimeWorkbook(projectID string, rows []UserTimeRow) ([]byte, error) {
	file := excelize.NewFile()
	defer file.Close()

	sheet := file.GetSheetName(0)
	headers := []string{"UserID", "TotalSeconds", "TotalTime", "Sessions", "AvgSessionSeconds", "LastActivity"}

	for col, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := file.SetCellValue(sheet, cell, header); err != nil {
			return nil, fmt.Errorf("set excel header %s: %w", cell, err)
		}
	}

	for i, row := range rows {
		lastActivity := ""
		if row.LastActivity != nil {
			lastActivity = row.LastActivity.Format(time.RFC3339)
		}
		values := []any{
			row.UserID,
			row.TotalDuration,
			row.FormattedTotal,
			row.TotalSessions,
			row.AvgSessionTime,
			lastActivity,
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			if err := file.SetCellValue(sheet, cell, value); err != nil {
				return nil, fmt.Errorf("set excel value %s: %w", cell, err)
			}
		}
	}

	// Sheet names cap at 31 chars, so the project id lives in a cell instead.
	if err := file.SetSheetName(sheet, "Users Time"); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if err := file.SetCellValue("Users Time", "H1", "Project: "+projectID); err != nil {
		return nil, fmt.Errorf("set project cell: %w", err)
	}

	buffer, err := file.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}
	return buffer.Bytes(), nil
}

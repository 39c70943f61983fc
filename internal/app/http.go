package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"timecard/api/internal/auth"
	"timecard/api/internal/export"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeEnvelope(w, http.StatusOK, map[string]any{"ok": true}, "OK")
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.service.Ping(ctx); err != nil {
			writeEnvelope(w, http.StatusServiceUnavailable, map[string]any{
				"ok":       false,
				"database": err.Error(),
			}, "Not ready")
			return
		}
		writeEnvelope(w, http.StatusOK, map[string]any{"ok": true}, "Ready")
		return
	}

	principal, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/checkIn":
		s.handleCheckIn(w, r, principal)
	case r.Method == http.MethodGet && r.URL.Path == "/getElapsedTime":
		s.handleGetElapsedTime(w, r, principal)
	case r.Method == http.MethodPut && r.URL.Path == "/pauseOrResume":
		s.handlePauseOrResume(w, r, principal)
	case r.Method == http.MethodPut && r.URL.Path == "/checkOut":
		s.handleCheckOut(w, r, principal)
	case r.Method == http.MethodGet && r.URL.Path == "/getUserTimeProject":
		s.handleGetUserTimeProject(w, r, principal)
	case r.Method == http.MethodGet && r.URL.Path == "/getUsersTimeProject":
		s.handleGetUsersTimeProject(w, r, principal)
	case r.Method == http.MethodGet && r.URL.Path == "/getUsersTimeProject/export":
		s.handleExportUsersTimeProject(w, r, principal)
	case r.Method == http.MethodGet && r.URL.Path == "/company-dashboard":
		s.handleCompanyDashboard(w, r, principal)
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

func (s *HTTPServer) handleCheckIn(w http.ResponseWriter, r *http.Request, principal Principal) {
	var body CheckInInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := s.service.CheckIn(r.Context(), principal, body)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}
	writeEnvelope(w, http.StatusOK, entry, "Checked in successfully.")
}

func (s *HTTPServer) handleGetElapsedTime(w http.ResponseWriter, r *http.Request, principal Principal) {
	projectID := strings.TrimSpace(r.URL.Query().Get("projectId"))
	snapshot, err := s.service.GetElapsedTime(r.Context(), principal, projectID)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}
	message := "Elapsed time fetched successfully."
	if snapshot.CheckInTime == nil {
		message = "No active timer found"
	}
	writeEnvelope(w, http.StatusOK, snapshot, message)
}

func (s *HTTPServer) handlePauseOrResume(w http.ResponseWriter, r *http.Request, principal Principal) {
	var body ProjectInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.service.PauseOrResume(r.Context(), principal, body.ProjectID)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}
	message := "Timer paused successfully."
	if result.IsRunning {
		message = "Timer resumed successfully."
	}
	writeEnvelope(w, http.StatusOK, result, message)
}

func (s *HTTPServer) handleCheckOut(w http.ResponseWriter, r *http.Request, principal Principal) {
	var body ProjectInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.service.CheckOut(r.Context(), principal, body.ProjectID)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}
	writeEnvelope(w, http.StatusOK, result, "Checked out successfully.")
}

func (s *HTTPServer) handleGetUserTimeProject(w http.ResponseWriter, r *http.Request, principal Principal) {
	query := UserTimeQuery{
		ProjectID: strings.TrimSpace(r.URL.Query().Get("projectId")),
		Date:      strings.TrimSpace(r.URL.Query().Get("date")),
	}
	result, err := s.service.GetUserTimeProject(r.Context(), principal, query)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}
	message := fmt.Sprintf("User time for %s fetched successfully.", result.Date)
	if len(result.Entries) == 0 {
		message = fmt.Sprintf("No time data found for project on %s.", result.Date)
	}
	writeEnvelope(w, http.StatusOK, result, message)
}

func (s *HTTPServer) handleGetUsersTimeProject(w http.ResponseWriter, r *http.Request, principal Principal) {
	query := RangeQuery{
		ProjectID: strings.TrimSpace(r.URL.Query().Get("projectId")),
		StartDate: strings.TrimSpace(r.URL.Query().Get("startDate")),
		EndDate:   strings.TrimSpace(r.URL.Query().Get("endDate")),
	}
	rows, err := s.service.GetUsersTimeProject(r.Context(), principal, query)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}
	message := "Project users' time fetched successfully."
	if len(rows) == 0 {
		message = "No users found for this project."
	}
	writeEnvelope(w, http.StatusOK, rows, message)
}

func (s *HTTPServer) handleExportUsersTimeProject(w http.ResponseWriter, r *http.Request, principal Principal) {
	query := RangeQuery{
		ProjectID: strings.TrimSpace(r.URL.Query().Get("projectId")),
		StartDate: strings.TrimSpace(r.URL.Query().Get("startDate")),
		EndDate:   strings.TrimSpace(r.URL.Query().Get("endDate")),
	}
	rows, err := s.service.GetUsersTimeProject(r.Context(), principal, query)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}

	exportRows := make([]export.UserTimeRow, 0, len(rows))
	for _, row := range rows {
		exportRows = append(exportRows, export.UserTimeRow{
			UserID:         row.UserID,
			TotalDuration:  row.TotalDuration,
			TotalSessions:  row.TotalSessions,
			AvgSessionTime: row.AvgSessionTime,
			LastActivity:   row.LastActivity,
			FormattedTotal: row.FormattedTotalTime,
		})
	}
	workbook, err := export.UsersTimeWorkbook(query.ProjectID, exportRows)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not build export")
		return
	}

	filename := fmt.Sprintf("project-time-%s.xlsx", query.ProjectID)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	_, _ = w.Write(workbook)
}

func (s *HTTPServer) handleCompanyDashboard(w http.ResponseWriter, r *http.Request, principal Principal) {
	query := DashboardQuery{
		StartDate: strings.TrimSpace(r.URL.Query().Get("startDate")),
		EndDate:   strings.TrimSpace(r.URL.Query().Get("endDate")),
	}
	result, err := s.service.CompanyDashboard(r.Context(), principal, query)
	if err != nil {
		status, message := mapError(err)
		writeError(w, status, message)
		return
	}
	writeEnvelope(w, http.StatusOK, result, "Company dashboard data fetched successfully.")
}

func (s *HTTPServer) requirePrincipal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return Principal{}, false
	}
	principal, err := s.service.PrincipalFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return Principal{}, false
	}
	return principal, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

// writeEnvelope emits the {statusCode, data, message} envelope every endpoint
// answers with.
func writeEnvelope(w http.ResponseWriter, status int, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"statusCode": status,
		"data":       data,
		"message":    message,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, nil, message)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, message string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Message
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "Unauthorized"
	}
	return http.StatusInternalServerError, "Server error"
}

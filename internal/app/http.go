package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"planvault/api/internal/export"
	"planvault/api/internal/lock"
	"planvault/api/internal/plan"
	"planvault/api/internal/rbac"
	"planvault/api/internal/search"
	"planvault/api/internal/store"
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
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	scope, ok := actorScope(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing actor identity", nil)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		s.handleSearch(w, r, scope)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "plans" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodPost:
			s.handleCreatePlan(w, r, scope)
		case http.MethodGet:
			s.handleListPlans(w, r, scope)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	planID := parts[2]

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			s.handleGetPlan(w, r, scope, planID)
		case http.MethodPut:
			s.handleUpdateStatus(w, r, scope, planID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch parts[3] {
	case "versions":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if len(parts) == 4 {
			s.handleListVersions(w, r, scope, planID)
			return
		}
		number, err := strconv.Atoi(parts[4])
		if err != nil || number < 1 {
			writeError(w, http.StatusBadRequest, "VALIDATION", "Version must be a positive integer", nil)
			return
		}
		if len(parts) == 5 {
			s.handleGetVersion(w, r, scope, planID, number)
			return
		}
		if len(parts) == 6 && parts[5] == "export" {
			s.handleExport(w, r, scope, planID, number)
			return
		}
	case "compare":
		if r.Method == http.MethodGet && len(parts) == 4 {
			s.handleCompare(w, r, scope, planID)
			return
		}
	case "restore":
		if r.Method == http.MethodPost && len(parts) == 4 {
			s.handleRestore(w, r, scope, planID)
			return
		}
	case "edit":
		if r.Method == http.MethodPost && len(parts) == 4 {
			s.handleManualEdit(w, r, scope, planID)
			return
		}
	case "generated":
		if r.Method == http.MethodPost && len(parts) == 4 {
			s.handleGenerated(w, r, scope, planID)
			return
		}
	case "lock":
		if len(parts) == 4 {
			switch r.Method {
			case http.MethodPost:
				s.handleLock(w, r, scope, planID)
				return
			case http.MethodDelete:
				s.handleUnlock(w, r, scope, planID)
				return
			}
		}
	case "audit":
		if r.Method == http.MethodGet && len(parts) == 4 {
			s.handleAudit(w, r, scope, planID)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCreatePlan(w http.ResponseWriter, r *http.Request, scope CallerScope) {
	var body CreatePlanInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.CreatePlan(r.Context(), body, scope)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, planPayload(item, nil))
}

func (s *HTTPServer) handleListPlans(w http.ResponseWriter, r *http.Request, scope CallerScope) {
	plans, err := s.service.ListPlans(r.Context(), r.URL.Query().Get("clientId"), scope)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	payload := make([]map[string]any, 0, len(plans))
	for _, item := range plans {
		payload = append(payload, planPayload(item, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": payload})
}

func (s *HTTPServer) handleGetPlan(w http.ResponseWriter, r *http.Request, scope CallerScope, planID string) {
	detail, err := s.service.GetPlan(r.Context(), planID, scope)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, planPayload(detail.Plan, detail.Lock))
}

func (s *HTTPServer) handleUpdateStatus(w http.ResponseWriter, r *http.Request, scope CallerScope, planID string) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.UpdatePlanStatus(r.Context(), planID, body.Status, scope); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": body.Status})
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request, scope CallerScope, planID string) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 20)
	versions, total, err := s.service.ListVersions(r.Context(), planID, page, pageSize, scope)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	payload := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		payload = append(payload, versionPayload(version, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"versions": payload,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request, scope CallerScope, planID string, number int) {
	version, err := s.service.GetVersion(r.Context(), planID, number, scope)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, versionPayload(version, true))
}

func (s *HTTPServer) handleCompare(w http.ResponseWriter, r *http.Request, scope CallerScope, planID string) {
	from := queryInt(r, "from", 0)
	to := queryInt(r, "to", 0)
	if from < 1 || to < 1 {
		writeError(w, http.StatusBadRequest, "VALIDATION", "from and to must be positive version numbers", nil)
		return
	}
	diff, err := s.service.Compare(r.Context(), planID, from, to, scope)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":     min(from, to),
		"to":       max(from, to),
		"empty":    diff.Empty(),
		"sections": diff.Sections,
	})
}

func (s *HTTPServer) handleRestore(w http.ResponseWriter, r *http.Request, scope CallerScope, planID string) {
	var body struct {
		TargetVersion int `json:"targetVersion"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.TargetVersion < 1 {
		writeError(w, http.StatusBadRequest, "VALIDATION", "targetVersion must be a positive version number", nil)
		return
	}
	number, err := s.service.Restore(r.Context(), planID, body.TargetVersion, scope)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"version": number, "restoredFrom": body.TargetVersion})
}

func (s *HTTPServer) handleManualEdit(w http.ResponseWriter, r *http.Request, scope CallerScope, planID string) {
	var body struct {
		Sections map[string]json.RawMessage `json:"sections"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	number, err := s.service.RecordManualEdit(r.Context(), planID, body.Sections, scope)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"version": number})
}

func (s *HTTPServer) handleGenerated(w http.ResponseWriter, r *http.Request, scope CallerScope, planID string) {
	var body struct {
		Content     plan.Document `json:"content"`
		BaseVersion int           `json:"baseVersion"`
		SessionID   string        `json:"sessionId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.ApplyGeneratedContent(r.Context(), planID, body.Content, body.BaseVersion, body.SessionID, scope)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleLock(w http.ResponseWriter, r *http.Request, scope CallerScope, planID string) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	lease, err := s.service.LockPlan(r.Context(), planID, body.Reason, scope)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	payload := map[string]any{"locked": true}
	if lease != nil {
		payload["owner"] = lease.Owner
		payload["reason"] = lease.Reason
		payload["acquiredAt"] = lease.AcquiredAt
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleUnlock(w http.ResponseWriter, r *http.Request, scope CallerScope, planID string) {
	if err := s.service.UnlockPlan(r.Context(), planID, scope); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locked": false})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, scope CallerScope) {
	query := r.URL.Query()
	q := search.Query{
		Text:     query.Get("q"),
		ClientID: query.Get("clientId"),
		Limit:    queryInt(r, "limit", 20),
		Offset:   queryInt(r, "offset", 0),
	}
	switch query.Get("type") {
	case "plan":
		q.FilterType = search.ResultPlan
	case "version":
		q.FilterType = search.ResultVersion
	}
	response, err := s.service.Search(r.Context(), q, scope)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, scope CallerScope, planID string, number int) {
	view := export.View(r.URL.Query().Get("view"))
	format := export.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = export.FormatHTML
	}
	result, err := s.service.ExportVersion(r.Context(), planID, number, view, format, scope)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleAudit(w http.ResponseWriter, r *http.Request, scope CallerScope, planID string) {
	events, err := s.service.ListAuditEvents(r.Context(), planID, queryInt(r, "limit", 50), scope)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	payload := make([]map[string]any, 0, len(events))
	for _, event := range events {
		payload = append(payload, map[string]any{
			"actorId":   event.ActorID,
			"actorName": event.ActorName,
			"action":    event.Action,
			"metadata":  event.Metadata,
			"createdAt": event.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": payload})
}

func planPayload(item store.Plan, lease *lock.Lease) map[string]any {
	payload := map[string]any{
		"id":             item.ID,
		"clientId":       item.ClientID,
		"title":          item.Title,
		"status":         item.Status,
		"currentVersion": item.CurrentVersion,
		"content":        item.Content,
		"therapistView":  rawOrNull(item.TherapistView),
		"clientView":     rawOrNull(item.ClientView),
		"createdBy":      item.CreatedBy,
		"createdAt":      item.CreatedAt,
		"updatedAt":      item.UpdatedAt,
		"locked":         lease != nil,
	}
	if lease != nil {
		payload["lock"] = map[string]any{
			"owner":      lease.Owner,
			"reason":     lease.Reason,
			"acquiredAt": lease.AcquiredAt,
		}
	}
	return payload
}

func versionPayload(version store.Version, includeContent bool) map[string]any {
	payload := map[string]any{
		"planId":     version.PlanID,
		"version":    version.Version,
		"changeType": version.ChangeType,
		"summary":    version.Summary,
		"createdBy":  version.CreatedBy,
		"createdAt":  version.CreatedAt,
	}
	if includeContent {
		payload["content"] = version.Content
		payload["therapistView"] = rawOrNull(version.TherapistView)
		payload["clientView"] = rawOrNull(version.ClientView)
	}
	return payload
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

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

type requestIDKey struct{}

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
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Actor-Id, X-Actor-Name, X-Actor-Role, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

// actorScope reads the pre-authorized caller identity forwarded by the
// gateway. Authentication itself happens upstream.
func actorScope(r *http.Request) (CallerScope, bool) {
	actorID := strings.TrimSpace(r.Header.Get("X-Actor-Id"))
	if actorID == "" {
		return CallerScope{}, false
	}
	return CallerScope{
		ActorID:   actorID,
		ActorName: strings.TrimSpace(r.Header.Get("X-Actor-Name")),
		Role:      rbac.Normalize(r.Header.Get("X-Actor-Role")),
	}, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

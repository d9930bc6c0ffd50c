package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"planvault/api/internal/config"
	"planvault/api/internal/export"
	"planvault/api/internal/lock"
	"planvault/api/internal/plan"
	"planvault/api/internal/rbac"
	"planvault/api/internal/search"
	"planvault/api/internal/store"
	"planvault/api/internal/util"
)

// CallerScope is the pre-authenticated identity forwarded by the gateway.
type CallerScope struct {
	ActorID   string
	ActorName string
	Role      rbac.Role
}

type CreatePlanInput struct {
	ClientID string         `json:"clientId"`
	Title    string         `json:"title"`
	Content  *plan.Document `json:"content,omitempty"`
}

type PlanDetail struct {
	Plan store.Plan
	Lock *lock.Lease
}

// GeneratedResult reports how AI-produced content was committed: directly
// when no concurrent edit happened, or through a three-way merge otherwise.
type GeneratedResult struct {
	Version   int             `json:"version"`
	Merged    bool            `json:"merged"`
	Success   bool            `json:"success"`
	Conflicts []plan.Conflict `json:"conflicts"`
	Summary   string          `json:"summary"`
}

type dataStore interface {
	CreatePlan(context.Context, store.Plan) error
	GetPlan(context.Context, string) (store.Plan, error)
	ListPlansByClient(context.Context, string) ([]store.Plan, error)
	UpdatePlanStatus(context.Context, string, string) error
	CreateVersion(context.Context, string, store.NewVersion) (int, error)
	GetVersion(context.Context, string, int) (store.Version, error)
	ListVersions(context.Context, string, int, int) ([]store.Version, int, error)
	LatestVersionNumber(context.Context, string) (int, error)
	InsertAuditEvent(context.Context, store.AuditEvent) error
	ListAuditEvents(context.Context, string, int) ([]store.AuditEvent, error)
	Ping(ctx context.Context) error
}

type lockStore interface {
	Acquire(ctx context.Context, planID, owner, reason string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, planID, owner string) error
	Holder(ctx context.Context, planID string) (*lock.Lease, error)
}

type archiveStore interface {
	RecordVersion(planID string, number int, doc plan.Document, author, changeType, summary string) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexPlan(p search.PlanRecord)
	IndexVersion(v search.VersionRecord)
}

type Service struct {
	cfg     config.Config
	store   dataStore
	locks   lockStore
	archive archiveStore
	search  searchIndex
	policy  plan.Policy
}

func New(cfg config.Config, dataStore dataStore, locks lockStore, archiveSvc archiveStore, searchSvc searchIndex) *Service {
	policy := plan.CurrentWins
	if cfg.MergePolicy == string(plan.IncomingWins) {
		policy = plan.IncomingWins
	}
	return &Service{
		cfg:     cfg,
		store:   dataStore,
		locks:   locks,
		archive: archiveSvc,
		search:  searchSvc,
		policy:  policy,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// authorize checks the role is allowed the action and loads the plan.
// Clients only ever see their own plan.
func (s *Service) authorize(ctx context.Context, planID string, action rbac.Action, scope CallerScope) (store.Plan, error) {
	if !rbac.Can(scope.Role, action) {
		return store.Plan{}, forbiddenError()
	}
	item, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Plan{}, notFoundError("plan")
		}
		return store.Plan{}, fmt.Errorf("get plan: %w", err)
	}
	if scope.Role == rbac.RoleClient && item.ClientID != scope.ActorID {
		return store.Plan{}, forbiddenError()
	}
	return item, nil
}

func (s *Service) CreatePlan(ctx context.Context, input CreatePlanInput, scope CallerScope) (store.Plan, error) {
	if !rbac.Can(scope.Role, rbac.ActionWrite) {
		return store.Plan{}, forbiddenError()
	}
	clientID := strings.TrimSpace(input.ClientID)
	title := strings.TrimSpace(input.Title)
	if clientID == "" || title == "" {
		return store.Plan{}, validationError("clientId and title are required", nil)
	}

	item := store.Plan{
		ID:        util.NewID("plan"),
		ClientID:  clientID,
		Title:     title,
		Status:    store.StatusDraft,
		CreatedBy: scope.ActorID,
	}
	therapistView, clientView, err := plan.BuildViews(plan.Document{})
	if err != nil {
		return store.Plan{}, fmt.Errorf("build views: %w", err)
	}
	item.TherapistView = therapistView
	item.ClientView = clientView

	if err := s.store.CreatePlan(ctx, item); err != nil {
		return store.Plan{}, fmt.Errorf("create plan: %w", err)
	}

	if input.Content != nil {
		number, err := s.commit(ctx, item.ID, *input.Content, store.ChangeManualEdit, "Initial plan content", scope)
		if err != nil {
			return store.Plan{}, err
		}
		item.CurrentVersion = number
		item.Content = *input.Content
	}

	if s.search != nil {
		s.search.IndexPlan(search.PlanRecord{ID: item.ID, Title: item.Title, ClientID: item.ClientID, Status: item.Status})
	}
	s.audit(ctx, scope, "plan.create", item.ID, map[string]any{"clientId": item.ClientID})
	return item, nil
}

func (s *Service) GetPlan(ctx context.Context, planID string, scope CallerScope) (PlanDetail, error) {
	item, err := s.authorize(ctx, planID, rbac.ActionRead, scope)
	if err != nil {
		return PlanDetail{}, err
	}
	lease, err := s.locks.Holder(ctx, planID)
	if err != nil {
		log.Printf("lock holder lookup for plan %s: %v", planID, err)
		lease = nil
	}
	return PlanDetail{Plan: item, Lock: lease}, nil
}

func (s *Service) ListPlans(ctx context.Context, clientID string, scope CallerScope) ([]store.Plan, error) {
	if !rbac.Can(scope.Role, rbac.ActionRead) {
		return nil, forbiddenError()
	}
	if scope.Role == rbac.RoleClient {
		clientID = scope.ActorID
	}
	if strings.TrimSpace(clientID) == "" {
		return nil, validationError("clientId is required", nil)
	}
	plans, err := s.store.ListPlansByClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return plans, nil
}

func (s *Service) UpdatePlanStatus(ctx context.Context, planID, status string, scope CallerScope) error {
	if _, err := s.authorize(ctx, planID, rbac.ActionWrite, scope); err != nil {
		return err
	}
	switch status {
	case store.StatusDraft, store.StatusActive, store.StatusArchived:
	default:
		return validationError("unknown status", map[string]any{"status": status})
	}
	if err := s.store.UpdatePlanStatus(ctx, planID, status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFoundError("plan")
		}
		return fmt.Errorf("update plan status: %w", err)
	}
	s.audit(ctx, scope, "plan.status", planID, map[string]any{"status": status})
	return nil
}

func (s *Service) ListVersions(ctx context.Context, planID string, page, pageSize int, scope CallerScope) ([]store.Version, int, error) {
	if _, err := s.authorize(ctx, planID, rbac.ActionRead, scope); err != nil {
		return nil, 0, err
	}
	versions, total, err := s.store.ListVersions(ctx, planID, page, pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("list versions: %w", err)
	}
	return versions, total, nil
}

func (s *Service) GetVersion(ctx context.Context, planID string, number int, scope CallerScope) (store.Version, error) {
	if _, err := s.authorize(ctx, planID, rbac.ActionRead, scope); err != nil {
		return store.Version{}, err
	}
	version, err := s.store.GetVersion(ctx, planID, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Version{}, notFoundError("version")
		}
		return store.Version{}, fmt.Errorf("get version: %w", err)
	}
	return version, nil
}

// Compare diffs two snapshots. Order does not matter to the caller; the
// lower version number is always treated as the old side.
func (s *Service) Compare(ctx context.Context, planID string, a, b int, scope CallerScope) (plan.Diff, error) {
	if _, err := s.authorize(ctx, planID, rbac.ActionRead, scope); err != nil {
		return plan.Diff{}, err
	}
	if a > b {
		a, b = b, a
	}
	older, err := s.store.GetVersion(ctx, planID, a)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return plan.Diff{}, notFoundError("version")
		}
		return plan.Diff{}, fmt.Errorf("get version %d: %w", a, err)
	}
	if a == b {
		// A snapshot compared to itself is empty, but it still has to exist.
		return plan.Diff{}, nil
	}
	newer, err := s.store.GetVersion(ctx, planID, b)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return plan.Diff{}, notFoundError("version")
		}
		return plan.Diff{}, fmt.Errorf("get version %d: %w", b, err)
	}
	return plan.Compare(older.Content, newer.Content), nil
}

// Restore commits a new forward version whose content equals the target
// snapshot. It is allowed while the plan is locked: a restore replaces
// content wholesale, so it cannot half-overwrite an in-flight generation.
func (s *Service) Restore(ctx context.Context, planID string, target int, scope CallerScope) (int, error) {
	if _, err := s.authorize(ctx, planID, rbac.ActionRestore, scope); err != nil {
		return 0, err
	}
	snapshot, err := s.store.GetVersion(ctx, planID, target)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, notFoundError("version")
		}
		return 0, fmt.Errorf("get version %d: %w", target, err)
	}
	summary := fmt.Sprintf("Restored from version %d", target)
	number, err := s.commit(ctx, planID, snapshot.Content, store.ChangeRestore, summary, scope)
	if err != nil {
		return 0, err
	}
	s.audit(ctx, scope, "plan.restore", planID, map[string]any{"target": target, "version": number})
	return number, nil
}

// RecordManualEdit applies edited sections onto the current content and
// commits the result. Fails fast with a conflict while the plan is locked
// by someone else.
func (s *Service) RecordManualEdit(ctx context.Context, planID string, edited map[string]json.RawMessage, scope CallerScope) (int, error) {
	item, err := s.authorize(ctx, planID, rbac.ActionWrite, scope)
	if err != nil {
		return 0, err
	}

	lease, err := s.locks.Holder(ctx, planID)
	if err != nil {
		return 0, fmt.Errorf("lock holder: %w", err)
	}
	if lease != nil && lease.Owner != scope.ActorID {
		return 0, conflictError("plan is locked; try again later", map[string]any{
			"owner":  lease.Owner,
			"reason": lease.Reason,
		})
	}

	doc, changed, err := applyEdit(item.Content, edited)
	if err != nil {
		return 0, err
	}

	number, err := s.commit(ctx, planID, doc, store.ChangeManualEdit, editSummary(changed), scope)
	if err != nil {
		return 0, err
	}
	s.audit(ctx, scope, "plan.edit", planID, map[string]any{"sections": changed, "version": number})
	return number, nil
}

// ApplyGeneratedContent commits AI-produced content. When the head moved
// past the version the generation started from, the generated document is
// reconciled with the concurrent edits through a three-way merge instead
// of overwriting them.
func (s *Service) ApplyGeneratedContent(ctx context.Context, planID string, generated plan.Document, baseVersion int, sessionID string, scope CallerScope) (*GeneratedResult, error) {
	item, err := s.authorize(ctx, planID, rbac.ActionGenerate, scope)
	if err != nil {
		return nil, err
	}

	if dupes := plan.DuplicateItemIDs(generated); len(dupes) > 0 {
		return nil, validationError("generated content repeats item identifiers", dupes)
	}

	summary := "AI-generated plan update"
	if sessionID != "" {
		summary = fmt.Sprintf("AI-generated plan update from session %s", sessionID)
	}

	if item.CurrentVersion == baseVersion {
		number, err := s.commit(ctx, planID, generated, store.ChangeAIGenerated, summary, scope)
		if err != nil {
			return nil, err
		}
		s.audit(ctx, scope, "plan.generated", planID, map[string]any{"version": number, "sessionId": sessionID})
		return &GeneratedResult{Version: number, Success: true, Conflicts: []plan.Conflict{}, Summary: summary}, nil
	}

	base, err := s.store.GetVersion(ctx, planID, baseVersion)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError("version")
		}
		return nil, fmt.Errorf("get base version %d: %w", baseVersion, err)
	}

	result := plan.Merge(base.Content, item.Content, generated, s.policy)
	number, err := s.commit(ctx, planID, result.Merged, store.ChangeMerge, result.Summary, scope)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, scope, "plan.merge", planID, map[string]any{
		"version":   number,
		"base":      baseVersion,
		"conflicts": len(result.Conflicts),
		"sessionId": sessionID,
	})
	return &GeneratedResult{
		Version:   number,
		Merged:    true,
		Success:   result.Success,
		Conflicts: result.Conflicts,
		Summary:   result.Summary,
	}, nil
}

// LockPlan takes the cooperative lease that tells editors an AI generation
// is in flight. The lease expires on its own if the holder crashes.
func (s *Service) LockPlan(ctx context.Context, planID, reason string, scope CallerScope) (*lock.Lease, error) {
	if _, err := s.authorize(ctx, planID, rbac.ActionGenerate, scope); err != nil {
		return nil, err
	}
	acquired, err := s.locks.Acquire(ctx, planID, scope.ActorID, reason, s.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		lease, holderErr := s.locks.Holder(ctx, planID)
		details := any(nil)
		if holderErr == nil && lease != nil {
			details = map[string]any{"owner": lease.Owner, "reason": lease.Reason}
		}
		return nil, conflictError("plan is already locked", details)
	}
	s.audit(ctx, scope, "plan.lock", planID, map[string]any{"reason": reason})
	return s.locks.Holder(ctx, planID)
}

func (s *Service) UnlockPlan(ctx context.Context, planID string, scope CallerScope) error {
	if _, err := s.authorize(ctx, planID, rbac.ActionGenerate, scope); err != nil {
		return err
	}
	owner := scope.ActorID
	if scope.Role == rbac.RoleAdmin {
		lease, err := s.locks.Holder(ctx, planID)
		if err != nil {
			return fmt.Errorf("lock holder: %w", err)
		}
		if lease != nil {
			owner = lease.Owner
		}
	}
	if err := s.locks.Release(ctx, planID, owner); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	s.audit(ctx, scope, "plan.unlock", planID, nil)
	return nil
}

func (s *Service) Search(ctx context.Context, q search.Query, scope CallerScope) (search.Response, error) {
	if !rbac.Can(scope.Role, rbac.ActionRead) {
		return search.Response{}, forbiddenError()
	}
	if scope.Role == rbac.RoleClient {
		q.ClientID = scope.ActorID
	}
	if q.Limit <= 0 || q.Limit > 50 {
		q.Limit = 20
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(q), nil
}

func (s *Service) ExportVersion(ctx context.Context, planID string, number int, view export.View, format export.Format, scope CallerScope) (*export.Result, error) {
	item, err := s.authorize(ctx, planID, rbac.ActionRead, scope)
	if err != nil {
		return nil, err
	}
	if scope.Role == rbac.RoleClient {
		view = export.ViewClient
	}
	if view != export.ViewClient {
		view = export.ViewTherapist
	}
	version, err := s.store.GetVersion(ctx, planID, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError("version")
		}
		return nil, fmt.Errorf("get version %d: %w", number, err)
	}
	doc := version.Content
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = version.CreatedAt
	}
	snap := export.BuildSnapshot(planID, item.Title, item.ClientID, version.Version, view, version.CreatedBy, doc)
	result, err := export.Export(snap, format)
	if err != nil {
		if errors.Is(err, export.ErrUnsupportedFormat) {
			return nil, validationError("unsupported export format", map[string]any{"format": format})
		}
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			return nil, domainError(503, "EXPORT_UNAVAILABLE", "PDF export is not available", nil)
		}
		return nil, fmt.Errorf("export version: %w", err)
	}
	return result, nil
}

func (s *Service) ListAuditEvents(ctx context.Context, planID string, limit int, scope CallerScope) ([]store.AuditEvent, error) {
	if _, err := s.authorize(ctx, planID, rbac.ActionRead, scope); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	events, err := s.store.ListAuditEvents(ctx, planID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

// commit builds the view projections, persists the snapshot, and feeds the
// archive and search index. Archive and index failures are logged, not
// surfaced; the database row is the source of truth.
func (s *Service) commit(ctx context.Context, planID string, doc plan.Document, changeType, summary string, scope CallerScope) (int, error) {
	doc.UpdatedAt = time.Now().UTC()
	therapistView, clientView, err := plan.BuildViews(doc)
	if err != nil {
		return 0, fmt.Errorf("build views: %w", err)
	}
	number, err := s.store.CreateVersion(ctx, planID, store.NewVersion{
		Content:       doc,
		TherapistView: therapistView,
		ClientView:    clientView,
		ChangeType:    changeType,
		Summary:       summary,
		CreatedBy:     scope.ActorID,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, notFoundError("plan")
		}
		return 0, fmt.Errorf("create version: %w", err)
	}

	if s.archive != nil {
		if err := s.archive.RecordVersion(planID, number, doc, scope.ActorName, changeType, summary); err != nil {
			log.Printf("archive version %d of plan %s: %v", number, planID, err)
		}
	}
	if s.search != nil {
		s.search.IndexVersion(search.VersionRecord{
			ID:         fmt.Sprintf("%s:%d", planID, number),
			PlanID:     planID,
			Version:    number,
			Summary:    summary,
			ChangeType: changeType,
		})
	}
	return number, nil
}

func (s *Service) audit(ctx context.Context, scope CallerScope, action, planID string, metadata map[string]any) {
	err := s.store.InsertAuditEvent(ctx, store.AuditEvent{
		ActorID:    scope.ActorID,
		ActorName:  scope.ActorName,
		Action:     action,
		EntityType: "plan",
		EntityID:   planID,
		Metadata:   metadata,
	})
	if err != nil {
		log.Printf("audit %s on plan %s: %v", action, planID, err)
	}
}

// applyEdit overlays the edited sections onto a copy of the current
// document. At least one recognized section must be present.
func applyEdit(current plan.Document, edited map[string]json.RawMessage) (plan.Document, []string, error) {
	doc := current.Clone()
	changed := make([]string, 0, len(edited))

	for _, name := range plan.SectionNames() {
		raw, ok := edited[name]
		if !ok {
			continue
		}
		if err := setSection(&doc, name, raw); err != nil {
			return plan.Document{}, nil, validationError(fmt.Sprintf("malformed section %q", name), map[string]any{"error": err.Error()})
		}
		changed = append(changed, name)
	}

	if len(changed) == 0 {
		return plan.Document{}, nil, validationError("no recognized plan sections in edit payload", map[string]any{
			"recognized": plan.SectionNames(),
		})
	}
	return doc, changed, nil
}

func setSection(doc *plan.Document, name string, raw json.RawMessage) error {
	switch name {
	case "goals":
		return decodeItems(raw, &doc.Goals)
	case "interventions":
		return decodeItems(raw, &doc.Interventions)
	case "homework":
		return decodeItems(raw, &doc.Homework)
	case "diagnoses":
		return decodeItems(raw, &doc.Diagnoses)
	case "riskFactors":
		return decodeItems(raw, &doc.RiskFactors)
	case "clinicalSummary":
		doc.ClinicalSummary = append(json.RawMessage(nil), raw...)
		return nil
	case "crisisAssessment":
		doc.CrisisAssessment = append(json.RawMessage(nil), raw...)
		return nil
	case "sessionReferences":
		var refs []string
		if err := json.Unmarshal(raw, &refs); err != nil {
			return err
		}
		seen := make(map[string]bool, len(refs))
		for _, ref := range refs {
			if seen[ref] {
				return fmt.Errorf("duplicate session reference %q", ref)
			}
			seen[ref] = true
		}
		doc.SessionReferences = refs
		return nil
	default:
		return fmt.Errorf("unknown section %q", name)
	}
}

func decodeItems(raw json.RawMessage, target *[]plan.Item) error {
	var items []plan.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return err
	}
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.ID) == "" {
			return fmt.Errorf("item %d is missing an id", i)
		}
		if seen[item.ID] {
			return fmt.Errorf("duplicate item id %q", item.ID)
		}
		seen[item.ID] = true
	}
	*target = items
	return nil
}

func editSummary(changed []string) string {
	if len(changed) == 1 {
		return fmt.Sprintf("Manual edit of %s", changed[0])
	}
	return fmt.Sprintf("Manual edit of %s", strings.Join(changed, ", "))
}

package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"planvault/api/internal/config"
	"planvault/api/internal/lock"
	"planvault/api/internal/plan"
	"planvault/api/internal/rbac"
	"planvault/api/internal/store"
)

type fakeStore struct {
	createPlanFn        func(context.Context, store.Plan) error
	getPlanFn           func(context.Context, string) (store.Plan, error)
	listPlansByClientFn func(context.Context, string) ([]store.Plan, error)
	updatePlanStatusFn  func(context.Context, string, string) error
	createVersionFn     func(context.Context, string, store.NewVersion) (int, error)
	getVersionFn        func(context.Context, string, int) (store.Version, error)
	listVersionsFn      func(context.Context, string, int, int) ([]store.Version, int, error)
	insertAuditEventFn  func(context.Context, store.AuditEvent) error
}

func (f *fakeStore) CreatePlan(ctx context.Context, item store.Plan) error {
	if f.createPlanFn != nil {
		return f.createPlanFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) GetPlan(ctx context.Context, planID string) (store.Plan, error) {
	if f.getPlanFn != nil {
		return f.getPlanFn(ctx, planID)
	}
	return store.Plan{ID: planID, ClientID: "client-1", Title: "Plan"}, nil
}
func (f *fakeStore) ListPlansByClient(ctx context.Context, clientID string) ([]store.Plan, error) {
	if f.listPlansByClientFn != nil {
		return f.listPlansByClientFn(ctx, clientID)
	}
	return nil, nil
}
func (f *fakeStore) UpdatePlanStatus(ctx context.Context, planID, status string) error {
	if f.updatePlanStatusFn != nil {
		return f.updatePlanStatusFn(ctx, planID, status)
	}
	return nil
}
func (f *fakeStore) CreateVersion(ctx context.Context, planID string, next store.NewVersion) (int, error) {
	if f.createVersionFn != nil {
		return f.createVersionFn(ctx, planID, next)
	}
	return 1, nil
}
func (f *fakeStore) GetVersion(ctx context.Context, planID string, number int) (store.Version, error) {
	if f.getVersionFn != nil {
		return f.getVersionFn(ctx, planID, number)
	}
	return store.Version{}, sql.ErrNoRows
}
func (f *fakeStore) ListVersions(ctx context.Context, planID string, page, pageSize int) ([]store.Version, int, error) {
	if f.listVersionsFn != nil {
		return f.listVersionsFn(ctx, planID, page, pageSize)
	}
	return nil, 0, nil
}
func (f *fakeStore) LatestVersionNumber(context.Context, string) (int, error) { return 0, nil }
func (f *fakeStore) InsertAuditEvent(ctx context.Context, event store.AuditEvent) error {
	if f.insertAuditEventFn != nil {
		return f.insertAuditEventFn(ctx, event)
	}
	return nil
}
func (f *fakeStore) ListAuditEvents(context.Context, string, int) ([]store.AuditEvent, error) {
	return nil, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeLocks struct {
	acquireFn func(context.Context, string, string, string, time.Duration) (bool, error)
	releaseFn func(context.Context, string, string) error
	holderFn  func(context.Context, string) (*lock.Lease, error)
}

func (f *fakeLocks) Acquire(ctx context.Context, planID, owner, reason string, ttl time.Duration) (bool, error) {
	if f.acquireFn != nil {
		return f.acquireFn(ctx, planID, owner, reason, ttl)
	}
	return true, nil
}
func (f *fakeLocks) Release(ctx context.Context, planID, owner string) error {
	if f.releaseFn != nil {
		return f.releaseFn(ctx, planID, owner)
	}
	return nil
}
func (f *fakeLocks) Holder(ctx context.Context, planID string) (*lock.Lease, error) {
	if f.holderFn != nil {
		return f.holderFn(ctx, planID)
	}
	return nil, nil
}

func newTestService(fs *fakeStore, fl *fakeLocks) *Service {
	return New(config.Config{LockTTL: time.Minute, MergePolicy: "current_wins"}, fs, fl, nil, nil)
}

func therapistScope() CallerScope {
	return CallerScope{ActorID: "therapist-1", ActorName: "Dana", Role: rbac.RoleTherapist}
}

// versionedStore wires the fake's version functions to an in-memory history
// so commits and lookups stay consistent within a test.
func versionedStore(head *store.Plan, history map[int]store.Version) *fakeStore {
	fs := &fakeStore{}
	fs.getPlanFn = func(context.Context, string) (store.Plan, error) {
		return *head, nil
	}
	fs.getVersionFn = func(_ context.Context, _ string, number int) (store.Version, error) {
		version, ok := history[number]
		if !ok {
			return store.Version{}, sql.ErrNoRows
		}
		return version, nil
	}
	fs.createVersionFn = func(_ context.Context, planID string, next store.NewVersion) (int, error) {
		number := head.CurrentVersion + 1
		history[number] = store.Version{
			PlanID:     planID,
			Version:    number,
			Content:    next.Content,
			ChangeType: next.ChangeType,
			Summary:    next.Summary,
			CreatedBy:  next.CreatedBy,
		}
		head.CurrentVersion = number
		head.Content = next.Content
		return number, nil
	}
	return fs
}

func goalDoc(name string) plan.Document {
	return plan.Document{
		Goals: []plan.Item{{ID: "g1", Attrs: json.RawMessage(`{"name":"` + name + `"}`)}},
	}
}

func TestRestoreCreatesForwardVersionWithTargetContent(t *testing.T) {
	head := &store.Plan{ID: "plan-1", ClientID: "client-1", CurrentVersion: 2, Content: goalDoc("Edited")}
	history := map[int]store.Version{
		1: {PlanID: "plan-1", Version: 1, Content: goalDoc("Original")},
		2: {PlanID: "plan-1", Version: 2, Content: goalDoc("Edited")},
	}
	service := newTestService(versionedStore(head, history), &fakeLocks{})

	number, err := service.Restore(context.Background(), "plan-1", 1, therapistScope())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if number != 3 {
		t.Fatalf("restore version = %d, want 3", number)
	}
	if history[3].ChangeType != store.ChangeRestore {
		t.Errorf("change type = %q, want %q", history[3].ChangeType, store.ChangeRestore)
	}

	// Restoring version 1 then diffing against it yields an empty diff.
	diff, err := service.Compare(context.Background(), "plan-1", 3, 1, therapistScope())
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !diff.Empty() {
		t.Errorf("diff after restore is not empty: %+v", diff.Sections)
	}
}

func TestRestoreAllowedWhileLocked(t *testing.T) {
	head := &store.Plan{ID: "plan-1", ClientID: "client-1", CurrentVersion: 1, Content: goalDoc("Edited")}
	history := map[int]store.Version{1: {PlanID: "plan-1", Version: 1, Content: goalDoc("Original")}}
	locks := &fakeLocks{
		holderFn: func(context.Context, string) (*lock.Lease, error) {
			return &lock.Lease{Owner: "pipeline-1", Reason: "generation"}, nil
		},
	}
	service := newTestService(versionedStore(head, history), locks)

	if _, err := service.Restore(context.Background(), "plan-1", 1, therapistScope()); err != nil {
		t.Fatalf("restore while locked should succeed, got %v", err)
	}
}

func TestRestoreUnknownVersion(t *testing.T) {
	head := &store.Plan{ID: "plan-1", ClientID: "client-1", CurrentVersion: 1}
	service := newTestService(versionedStore(head, map[int]store.Version{}), &fakeLocks{})

	_, err := service.Restore(context.Background(), "plan-1", 9, therapistScope())
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestManualEditRejectedWhileLockedByOther(t *testing.T) {
	locks := &fakeLocks{
		holderFn: func(context.Context, string) (*lock.Lease, error) {
			return &lock.Lease{Owner: "pipeline-1", Reason: "generation"}, nil
		},
	}
	service := newTestService(&fakeStore{}, locks)

	_, err := service.RecordManualEdit(context.Background(), "plan-1", map[string]json.RawMessage{
		"goals": json.RawMessage(`[{"id":"g1"}]`),
	}, therapistScope())
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != 409 {
		t.Fatalf("expected 409 conflict, got %v", err)
	}
}

func TestManualEditAllowedForLockHolder(t *testing.T) {
	head := &store.Plan{ID: "plan-1", ClientID: "client-1", CurrentVersion: 1}
	locks := &fakeLocks{
		holderFn: func(context.Context, string) (*lock.Lease, error) {
			return &lock.Lease{Owner: "therapist-1", Reason: "generation"}, nil
		},
	}
	service := newTestService(versionedStore(head, map[int]store.Version{}), locks)

	if _, err := service.RecordManualEdit(context.Background(), "plan-1", map[string]json.RawMessage{
		"goals": json.RawMessage(`[{"id":"g1","attrs":{"name":"A"}}]`),
	}, therapistScope()); err != nil {
		t.Fatalf("edit by lock holder should succeed, got %v", err)
	}
}

func TestManualEditRequiresRecognizedSection(t *testing.T) {
	service := newTestService(&fakeStore{}, &fakeLocks{})

	_, err := service.RecordManualEdit(context.Background(), "plan-1", map[string]json.RawMessage{
		"notes": json.RawMessage(`"free text"`),
	}, therapistScope())
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != 400 {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestManualEditRejectsItemWithoutID(t *testing.T) {
	service := newTestService(&fakeStore{}, &fakeLocks{})

	_, err := service.RecordManualEdit(context.Background(), "plan-1", map[string]json.RawMessage{
		"goals": json.RawMessage(`[{"attrs":{"name":"A"}}]`),
	}, therapistScope())
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != 400 {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestManualEditRejectsDuplicateItemIDs(t *testing.T) {
	head := &store.Plan{ID: "plan-1", ClientID: "client-1", CurrentVersion: 1}
	history := map[int]store.Version{}
	service := newTestService(versionedStore(head, history), &fakeLocks{})

	_, err := service.RecordManualEdit(context.Background(), "plan-1", map[string]json.RawMessage{
		"goals": json.RawMessage(`[{"id":"g1","attrs":{"name":"A"}},{"id":"g1","attrs":{"name":"B"}}]`),
	}, therapistScope())
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != 400 {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("no version should be committed, got %d", len(history))
	}
}

func TestManualEditRejectsDuplicateSessionReferences(t *testing.T) {
	service := newTestService(&fakeStore{}, &fakeLocks{})

	_, err := service.RecordManualEdit(context.Background(), "plan-1", map[string]json.RawMessage{
		"sessionReferences": json.RawMessage(`["s1","s1"]`),
	}, therapistScope())
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != 400 {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGeneratedContentRejectsDuplicateItemIDs(t *testing.T) {
	head := &store.Plan{ID: "plan-1", ClientID: "client-1", CurrentVersion: 1, Content: goalDoc("Current")}
	history := map[int]store.Version{}
	service := newTestService(versionedStore(head, history), &fakeLocks{})

	generated := plan.Document{
		Goals: []plan.Item{
			{ID: "g1", Attrs: json.RawMessage(`{"name":"A"}`)},
			{ID: "g1", Attrs: json.RawMessage(`{"name":"B"}`)},
		},
	}
	_, err := service.ApplyGeneratedContent(context.Background(), "plan-1", generated, 1, "sess-1", therapistScope())
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != 400 {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("no version should be committed, got %d", len(history))
	}
}

func TestCompareUnknownVersionAgainstItself(t *testing.T) {
	head := &store.Plan{ID: "plan-1", ClientID: "client-1", CurrentVersion: 1, Content: goalDoc("Original")}
	history := map[int]store.Version{
		1: {PlanID: "plan-1", Version: 1, Content: goalDoc("Original")},
	}
	service := newTestService(versionedStore(head, history), &fakeLocks{})

	_, err := service.Compare(context.Background(), "plan-1", 99, 99, therapistScope())
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestCompareVersionAgainstItselfIsEmpty(t *testing.T) {
	head := &store.Plan{ID: "plan-1", ClientID: "client-1", CurrentVersion: 1, Content: goalDoc("Original")}
	history := map[int]store.Version{
		1: {PlanID: "plan-1", Version: 1, Content: goalDoc("Original")},
	}
	service := newTestService(versionedStore(head, history), &fakeLocks{})

	diff, err := service.Compare(context.Background(), "plan-1", 1, 1, therapistScope())
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !diff.Empty() {
		t.Errorf("self compare should be empty, got %+v", diff.Sections)
	}
}

func TestManualEditPreservesUntouchedSections(t *testing.T) {
	head := &store.Plan{
		ID:       "plan-1",
		ClientID: "client-1",
		Content: plan.Document{
			Goals:    []plan.Item{{ID: "g1", Attrs: json.RawMessage(`{"name":"Keep"}`)}},
			Homework: []plan.Item{{ID: "h1", Attrs: json.RawMessage(`{"title":"Journal"}`)}},
		},
		CurrentVersion: 1,
	}
	history := map[int]store.Version{}
	service := newTestService(versionedStore(head, history), &fakeLocks{})

	number, err := service.RecordManualEdit(context.Background(), "plan-1", map[string]json.RawMessage{
		"goals": json.RawMessage(`[{"id":"g2","attrs":{"name":"New"}}]`),
	}, therapistScope())
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	committed := history[number].Content
	if len(committed.Homework) != 1 || committed.Homework[0].ID != "h1" {
		t.Errorf("homework should be untouched, got %+v", committed.Homework)
	}
	if len(committed.Goals) != 1 || committed.Goals[0].ID != "g2" {
		t.Errorf("goals should be replaced, got %+v", committed.Goals)
	}
}

func TestGeneratedContentFastPath(t *testing.T) {
	head := &store.Plan{ID: "plan-1", ClientID: "client-1", CurrentVersion: 4, Content: goalDoc("Current")}
	history := map[int]store.Version{}
	service := newTestService(versionedStore(head, history), &fakeLocks{})

	result, err := service.ApplyGeneratedContent(context.Background(), "plan-1", goalDoc("Generated"), 4, "sess-1", therapistScope())
	if err != nil {
		t.Fatalf("apply generated: %v", err)
	}
	if result.Merged {
		t.Error("fast path should not merge")
	}
	if !result.Success || len(result.Conflicts) != 0 {
		t.Errorf("fast path result = %+v", result)
	}
	if history[result.Version].ChangeType != store.ChangeAIGenerated {
		t.Errorf("change type = %q, want %q", history[result.Version].ChangeType, store.ChangeAIGenerated)
	}
}

func TestGeneratedContentMergePathWithConflict(t *testing.T) {
	head := &store.Plan{ID: "plan-1", ClientID: "client-1", CurrentVersion: 2, Content: goalDoc("A")}
	history := map[int]store.Version{
		1: {PlanID: "plan-1", Version: 1, Content: goalDoc("Original")},
		2: {PlanID: "plan-1", Version: 2, Content: goalDoc("A")},
	}
	service := newTestService(versionedStore(head, history), &fakeLocks{})

	result, err := service.ApplyGeneratedContent(context.Background(), "plan-1", goalDoc("B"), 1, "sess-1", therapistScope())
	if err != nil {
		t.Fatalf("apply generated: %v", err)
	}
	if !result.Merged {
		t.Fatal("head moved past base, expected a merge")
	}
	if result.Success {
		t.Error("both sides renamed the goal, expected conflicts")
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].Section != "goals" || result.Conflicts[0].ItemID != "g1" {
		t.Errorf("conflicts = %+v", result.Conflicts)
	}
	if !strings.Contains(result.Summary, "conflict") {
		t.Errorf("summary %q should mention conflict", result.Summary)
	}

	committed := history[result.Version]
	if committed.ChangeType != store.ChangeMerge {
		t.Errorf("change type = %q, want %q", committed.ChangeType, store.ChangeMerge)
	}
	// Default policy keeps the current clinician edit as the merged value.
	if string(committed.Content.Goals[0].Attrs) != `{"name":"A"}` {
		t.Errorf("merged goal attrs = %s", committed.Content.Goals[0].Attrs)
	}
}

func TestGeneratedContentMergePathCleanWhenDisjoint(t *testing.T) {
	base := plan.Document{Goals: []plan.Item{{ID: "g1", Attrs: json.RawMessage(`{"name":"Original"}`)}}}
	current := plan.Document{Goals: []plan.Item{
		{ID: "g1", Attrs: json.RawMessage(`{"name":"Original"}`)},
		{ID: "g2", Attrs: json.RawMessage(`{"name":"New Goal"}`)},
	}}
	incoming := plan.Document{
		Goals:         []plan.Item{{ID: "g1", Attrs: json.RawMessage(`{"name":"Original"}`)}},
		Interventions: []plan.Item{{ID: "i1", Attrs: json.RawMessage(`{"name":"Exposure"}`)}},
	}

	head := &store.Plan{ID: "plan-1", ClientID: "client-1", CurrentVersion: 2, Content: current}
	history := map[int]store.Version{
		1: {PlanID: "plan-1", Version: 1, Content: base},
		2: {PlanID: "plan-1", Version: 2, Content: current},
	}
	service := newTestService(versionedStore(head, history), &fakeLocks{})

	result, err := service.ApplyGeneratedContent(context.Background(), "plan-1", incoming, 1, "", therapistScope())
	if err != nil {
		t.Fatalf("apply generated: %v", err)
	}
	if !result.Merged || !result.Success || len(result.Conflicts) != 0 {
		t.Fatalf("expected clean merge, got %+v", result)
	}
	committed := history[result.Version].Content
	if len(committed.Goals) != 2 {
		t.Errorf("merged goals = %d, want 2", len(committed.Goals))
	}
	if len(committed.Interventions) != 1 {
		t.Errorf("merged interventions = %d, want 1", len(committed.Interventions))
	}
}

func TestCompareOrderNormalization(t *testing.T) {
	head := &store.Plan{ID: "plan-1", ClientID: "client-1", CurrentVersion: 2}
	history := map[int]store.Version{
		1: {Version: 1, Content: goalDoc("Original")},
		2: {Version: 2, Content: goalDoc("Renamed")},
	}
	service := newTestService(versionedStore(head, history), &fakeLocks{})

	forward, err := service.Compare(context.Background(), "plan-1", 1, 2, therapistScope())
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	reversed, err := service.Compare(context.Background(), "plan-1", 2, 1, therapistScope())
	if err != nil {
		t.Fatalf("compare reversed: %v", err)
	}
	if len(forward.Sections) != len(reversed.Sections) {
		t.Fatalf("section counts differ: %d vs %d", len(forward.Sections), len(reversed.Sections))
	}
	if len(forward.Sections) != 1 || len(forward.Sections[0].Modified) != 1 {
		t.Fatalf("unexpected diff: %+v", forward.Sections)
	}
	if string(forward.Sections[0].Modified[0].Old) != string(reversed.Sections[0].Modified[0].Old) {
		t.Error("compare must treat the lower version as old regardless of argument order")
	}
}

func TestClientRoleCannotWrite(t *testing.T) {
	service := newTestService(&fakeStore{}, &fakeLocks{})
	scope := CallerScope{ActorID: "client-1", Role: rbac.RoleClient}

	_, err := service.RecordManualEdit(context.Background(), "plan-1", map[string]json.RawMessage{
		"goals": json.RawMessage(`[{"id":"g1"}]`),
	}, scope)
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestClientRoleCannotReadOthersPlan(t *testing.T) {
	fs := &fakeStore{
		getPlanFn: func(_ context.Context, planID string) (store.Plan, error) {
			return store.Plan{ID: planID, ClientID: "client-2"}, nil
		},
	}
	service := newTestService(fs, &fakeLocks{})
	scope := CallerScope{ActorID: "client-1", Role: rbac.RoleClient}

	_, err := service.GetPlan(context.Background(), "plan-1", scope)
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestLockPlanAlreadyHeld(t *testing.T) {
	locks := &fakeLocks{
		acquireFn: func(context.Context, string, string, string, time.Duration) (bool, error) {
			return false, nil
		},
		holderFn: func(context.Context, string) (*lock.Lease, error) {
			return &lock.Lease{Owner: "pipeline-1", Reason: "generation"}, nil
		},
	}
	service := newTestService(&fakeStore{}, locks)

	_, err := service.LockPlan(context.Background(), "plan-1", "generation", therapistScope())
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != 409 {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestUnlockReleasesOwnLease(t *testing.T) {
	var released string
	locks := &fakeLocks{
		releaseFn: func(_ context.Context, _ string, owner string) error {
			released = owner
			return nil
		},
	}
	service := newTestService(&fakeStore{}, locks)

	if err := service.UnlockPlan(context.Background(), "plan-1", therapistScope()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if released != "therapist-1" {
		t.Errorf("released owner = %q", released)
	}
}

func TestAdminUnlockReleasesHolderLease(t *testing.T) {
	var released string
	locks := &fakeLocks{
		holderFn: func(context.Context, string) (*lock.Lease, error) {
			return &lock.Lease{Owner: "pipeline-1"}, nil
		},
		releaseFn: func(_ context.Context, _ string, owner string) error {
			released = owner
			return nil
		},
	}
	service := newTestService(&fakeStore{}, locks)
	scope := CallerScope{ActorID: "admin-1", Role: rbac.RoleAdmin}

	if err := service.UnlockPlan(context.Background(), "plan-1", scope); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if released != "pipeline-1" {
		t.Errorf("released owner = %q, want the lease holder", released)
	}
}

func TestCreatePlanRequiresClientAndTitle(t *testing.T) {
	service := newTestService(&fakeStore{}, &fakeLocks{})

	_, err := service.CreatePlan(context.Background(), CreatePlanInput{Title: "Plan"}, therapistScope())
	var domainErr *DomainError
	if !asDomainError(err, &domainErr) || domainErr.Status != 400 {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func asDomainError(err error, target **DomainError) bool {
	if err == nil {
		return false
	}
	domainErr, ok := err.(*DomainError)
	if !ok {
		return false
	}
	*target = domainErr
	return true
}

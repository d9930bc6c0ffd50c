package store

import (
	"encoding/json"
	"time"

	"planvault/api/internal/plan"
)

// Plan lifecycle statuses.
const (
	StatusDraft    = "DRAFT"
	StatusActive   = "ACTIVE"
	StatusArchived = "ARCHIVED"
)

// Version change classifications.
const (
	ChangeManualEdit  = "manual_edit"
	ChangeAIGenerated = "ai_generated"
	ChangeRestore     = "restore"
	ChangeMerge       = "merge"
)

// Plan is the mutable head of a treatment-plan document. Content is the
// canonical representation; the two views are projections derived from it
// at commit time.
type Plan struct {
	ID             string
	ClientID       string
	Title          string
	Status         string
	CurrentVersion int
	Content        plan.Document
	TherapistView  json.RawMessage
	ClientView     json.RawMessage
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Version is an immutable snapshot of a plan. Version numbers start at 1
// and are strictly increasing per plan; rows are never updated or deleted.
type Version struct {
	ID            int64
	PlanID        string
	Version       int
	Content       plan.Document
	TherapistView json.RawMessage
	ClientView    json.RawMessage
	ChangeType    string
	Summary       string
	CreatedBy     string
	CreatedAt     time.Time
}

// NewVersion carries the fields the orchestrator supplies when committing
// a snapshot; the store assigns the version number.
type NewVersion struct {
	Content       plan.Document
	TherapistView json.RawMessage
	ClientView    json.RawMessage
	ChangeType    string
	Summary       string
	CreatedBy     string
}

type AuditEvent struct {
	ID         int64
	ActorID    string
	ActorName  string
	Action     string
	EntityType string
	EntityID   string
	Metadata   map[string]any
	CreatedAt  time.Time
}

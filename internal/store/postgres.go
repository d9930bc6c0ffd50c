package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

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

func (s *PostgresStore) CreatePlan(ctx context.Context, item Plan) error {
	content, err := json.Marshal(item.Content)
	if err != nil {
		return fmt.Errorf("marshal plan content: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (id, client_id, title, status, current_version, content, therapist_view, client_view, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, item.ID, item.ClientID, item.Title, item.Status, item.CurrentVersion,
		content, rawOrEmpty(item.TherapistView), rawOrEmpty(item.ClientView), item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, planID string) (Plan, error) {
	var item Plan
	var content []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, title, status, current_version, content, therapist_view, client_view, created_by, created_at, updated_at
		FROM plans
		WHERE id=$1
	`, planID).Scan(&item.ID, &item.ClientID, &item.Title, &item.Status, &item.CurrentVersion,
		&content, &item.TherapistView, &item.ClientView, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Plan{}, err
	}
	if err := json.Unmarshal(content, &item.Content); err != nil {
		return Plan{}, fmt.Errorf("decode plan content: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListPlansByClient(ctx context.Context, clientID string) ([]Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, title, status, current_version, created_by, created_at, updated_at
		FROM plans
		WHERE client_id=$1
		ORDER BY updated_at DESC
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	items := make([]Plan, 0)
	for rows.Next() {
		var item Plan
		if err := rows.Scan(&item.ID, &item.ClientID, &item.Title, &item.Status, &item.CurrentVersion,
			&item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdatePlanStatus(ctx context.Context, planID, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE plans SET status=$2, updated_at=NOW() WHERE id=$1
	`, planID, status)
	if err != nil {
		return fmt.Errorf("update plan status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update plan status rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CreateVersion allocates the next version number and persists the
// snapshot in one transaction. The plan row is locked with FOR UPDATE
// across the read-allocate-insert step, so two concurrent commits for the
// same plan can never observe the same "next" number or skip one.
func (s *PostgresStore) CreateVersion(ctx context.Context, planID string, next NewVersion) (int, error) {
	content, err := json.Marshal(next.Content)
	if err != nil {
		return 0, fmt.Errorf("marshal version content: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin version tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	if err := tx.QueryRowContext(ctx, `
		SELECT current_version FROM plans WHERE id=$1 FOR UPDATE
	`, planID).Scan(&current); err != nil {
		return 0, err
	}
	number := current + 1

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plan_versions (plan_id, version, content, therapist_view, client_view, change_type, change_summary, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, planID, number, content, rawOrEmpty(next.TherapistView), rawOrEmpty(next.ClientView),
		next.ChangeType, next.Summary, next.CreatedBy); err != nil {
		return 0, fmt.Errorf("insert version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE plans
		SET current_version=$2, content=$3, therapist_view=$4, client_view=$5, updated_at=NOW()
		WHERE id=$1
	`, planID, number, content, rawOrEmpty(next.TherapistView), rawOrEmpty(next.ClientView)); err != nil {
		return 0, fmt.Errorf("advance plan head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit version tx: %w", err)
	}
	return number, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, planID string, number int) (Version, error) {
	var item Version
	var content []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, version, content, therapist_view, client_view, change_type, change_summary, created_by, created_at
		FROM plan_versions
		WHERE plan_id=$1 AND version=$2
	`, planID, number).Scan(&item.ID, &item.PlanID, &item.Version, &content,
		&item.TherapistView, &item.ClientView, &item.ChangeType, &item.Summary, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Version{}, err
	}
	if err := json.Unmarshal(content, &item.Content); err != nil {
		return Version{}, fmt.Errorf("decode version content: %w", err)
	}
	return item, nil
}

// ListVersions returns one page ordered by descending version number plus
// the total snapshot count for the plan. page starts at 1.
func (s *PostgresStore) ListVersions(ctx context.Context, planID string, page, pageSize int) ([]Version, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plan_versions WHERE plan_id=$1`, planID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count versions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, version, change_type, change_summary, created_by, created_at
		FROM plan_versions
		WHERE plan_id=$1
		ORDER BY version DESC
		LIMIT $2 OFFSET $3
	`, planID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0, pageSize)
	for rows.Next() {
		var item Version
		if err := rows.Scan(&item.ID, &item.PlanID, &item.Version, &item.ChangeType,
			&item.Summary, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate versions: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) LatestVersionNumber(ctx context.Context, planID string) (int, error) {
	var number int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM plan_versions WHERE plan_id=$1
	`, planID).Scan(&number)
	if err != nil {
		return 0, fmt.Errorf("latest version number: %w", err)
	}
	return number, nil
}

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (actor_id, actor_name, action, entity_type, entity_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.ActorID, event.ActorName, event.Action, event.EntityType, event.EntityID, metadata)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, entityID string, limit int) ([]AuditEvent, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, actor_name, action, entity_type, entity_id, metadata, created_at
		FROM audit_events
		WHERE entity_id=$1
		ORDER BY id DESC
		LIMIT $2
	`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var item AuditEvent
		var metadata []byte
		if err := rows.Scan(&item.ID, &item.ActorID, &item.ActorName, &item.Action,
			&item.EntityType, &item.EntityID, &metadata, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}

func rawOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return raw
}

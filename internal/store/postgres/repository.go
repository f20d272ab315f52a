package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

// Repository implements store.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// SaveIncident upserts the incident document and appends any audit events
// not stored yet, in one transaction.
func (r *Repository) SaveIncident(ctx context.Context, inc *domain.Incident) error {
	doc := inc.Clone()
	doc.History = nil
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("failed to rollback transaction", "error", err)
		}
	}()

	upsert := `
		INSERT INTO incidents (id, kind, namespace, name, state, created_at, updated_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, now(), $7)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state, updated_at = now(), body = EXCLUDED.body
	`
	if _, err := tx.Exec(ctx, upsert,
		inc.ID, inc.Resource.Kind, inc.Resource.Namespace, inc.Resource.Name,
		string(inc.State), inc.CreatedAt, body,
	); err != nil {
		return fmt.Errorf("upsert incident: %w", err)
	}

	insert := `
		INSERT INTO incident_audit (incident_id, seq, event_id, from_state, to_state, at, evidence_ref, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (incident_id, seq) DO NOTHING
	`
	batch := &pgx.Batch{}
	for _, ev := range inc.History {
		batch.Queue(insert, inc.ID, ev.Seq, ev.ID, string(ev.From), string(ev.To), ev.Timestamp, ev.EvidenceRef, ev.Reason)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("append audit events: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LoadIncident retrieves an incident with its full history.
func (r *Repository) LoadIncident(ctx context.Context, id string) (*domain.Incident, error) {
	var body []byte
	err := r.db.QueryRow(ctx, `SELECT body FROM incidents WHERE id = $1`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewError("store.load", domain.ErrIncidentNotFound, nil, "%s", id)
		}
		return nil, fmt.Errorf("get incident: %w", err)
	}
	var inc domain.Incident
	if err := json.Unmarshal(body, &inc); err != nil {
		return nil, fmt.Errorf("decode incident %s: %w", id, err)
	}

	history, err := r.history(ctx, id)
	if err != nil {
		return nil, err
	}
	inc.History = history
	return &inc, nil
}

// ListIncidents returns every incident, oldest first.
func (r *Repository) ListIncidents(ctx context.Context) ([]*domain.Incident, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM incidents ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan incident ids: %w", err)
	}

	out := make([]*domain.Incident, 0, len(ids))
	for _, id := range ids {
		inc, err := r.LoadIncident(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, nil
}

func (r *Repository) history(ctx context.Context, id string) ([]domain.AuditEvent, error) {
	query := `
		SELECT event_id, seq, from_state, to_state, at, evidence_ref, reason
		FROM incident_audit
		WHERE incident_id = $1
		ORDER BY seq
	`
	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get audit events: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		ev := domain.AuditEvent{IncidentID: id}
		var from, to string
		if err := rows.Scan(&ev.ID, &ev.Seq, &from, &to, &ev.Timestamp, &ev.EvidenceRef, &ev.Reason); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.From, ev.To = domain.State(from), domain.State(to)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// Close closes the pool.
func (r *Repository) Close() error {
	r.db.Close()
	return nil
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/whisper/chatguard/internal/audit"
	"github.com/whisper/chatguard/internal/report"
)

// AppendEvent inserts an event. Replays of the same id are ignored.
func (s *Store) AppendEvent(ctx context.Context, ev audit.Event) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("postgres: encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, actor_id, target_id, severity, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, string(ev.Type), ev.ActorID, ev.TargetID, string(ev.Severity), ev.CreatedAt, string(doc))
	if err != nil {
		return fmt.Errorf("postgres: append event: %w", err)
	}
	return nil
}

// QueryEvents returns matching events, newest first.
func (s *Store) QueryEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	where, args := eventFilter(f)
	query := `SELECT doc FROM audit_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query events: %w", err)
	}
	evs, err := scanDocs[audit.Event](rows)
	if err != nil {
		return nil, err
	}
	out := make([]audit.Event, len(evs))
	for i, ev := range evs {
		out[i] = *ev
	}
	return out, nil
}

func eventFilter(f audit.Filter) ([]string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.TargetID != "" {
		add("target_id = $%d", f.TargetID)
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < $%d", f.Until)
	}
	return where, args
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

func (s *Store) CreateReport(ctx context.Context, r *report.Report) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("postgres: encode report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (id, reported_user_id, created_at, doc) VALUES ($1, $2, $3, $4)`,
		r.ID, r.ReportedUserID, r.CreatedAt, string(doc))
	if err != nil {
		return fmt.Errorf("postgres: create report: %w", err)
	}
	return nil
}

func (s *Store) CountRecent(ctx context.Context, reportedUserID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM reports WHERE reported_user_id = $1 AND created_at >= $2`,
		reportedUserID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count reports: %w", err)
	}
	return n, nil
}

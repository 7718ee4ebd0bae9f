package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/whisper/chatguard/internal/room"
)

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Store) GetUser(ctx context.Context, id string) (*room.User, error) {
	u := new(room.User)
	if err := loadDoc(ctx, s.db, u, `SELECT doc FROM users WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return u, nil
}

// PutUser creates or replaces a user.
func (s *Store) PutUser(ctx context.Context, u *room.User) error {
	doc, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("postgres: encode user: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		u.ID, string(doc))
	if err != nil {
		return fmt.Errorf("postgres: put user: %w", err)
	}
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, id string, fn func(*room.User) error) (*room.User, error) {
	var out *room.User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u := new(room.User)
		if err := loadDoc(ctx, tx, u, `SELECT doc FROM users WHERE id = $1 FOR UPDATE`, id); err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
		doc, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("postgres: encode user: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET doc = $2, updated_at = now() WHERE id = $1`, id, string(doc)); err != nil {
			return fmt.Errorf("postgres: update user: %w", err)
		}
		out = u
		return nil
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func (s *Store) GetRoom(ctx context.Context, id string) (*room.Room, error) {
	r := new(room.Room)
	if err := loadDoc(ctx, s.db, r, `SELECT doc FROM rooms WHERE id = $1`, id); err != nil {
		return nil, err
	}
	r.Prune(s.now())
	return r, nil
}

func (s *Store) CreateRoom(ctx context.Context, r *room.Room) error {
	stored := *r
	stored.Prune(s.now())
	doc, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("postgres: encode room: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, kind, name, deleted, last_activity, doc)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, string(r.Kind), r.Name, r.Deleted, r.LastActivity, string(doc))
	if isUniqueViolation(err) {
		return room.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("postgres: create room: %w", err)
	}
	return nil
}

func (s *Store) UpdateRoom(ctx context.Context, id string, fn func(*room.Room) error) (*room.Room, error) {
	var out *room.Room
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r := new(room.Room)
		if err := loadDoc(ctx, tx, r, `SELECT doc FROM rooms WHERE id = $1 FOR UPDATE`, id); err != nil {
			return err
		}
		now := s.now()
		r.Prune(now)
		if err := fn(r); err != nil {
			return err
		}
		r.Prune(now)
		if err := saveRoom(ctx, tx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func saveRoom(ctx context.Context, tx *sql.Tx, r *room.Room) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("postgres: encode room: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE rooms SET name = $2, deleted = $3, last_activity = $4, doc = $5
		WHERE id = $1`,
		r.ID, r.Name, r.Deleted, r.LastActivity, string(doc))
	if err != nil {
		return fmt.Errorf("postgres: update room: %w", err)
	}
	return nil
}

func (s *Store) ListChannels(ctx context.Context) ([]*room.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM rooms WHERE kind = $1 AND NOT deleted ORDER BY name`,
		string(room.KindChannel))
	if err != nil {
		return nil, fmt.Errorf("postgres: list channels: %w", err)
	}
	out, err := scanDocs[room.Room](rows)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, r := range out {
		r.Prune(now)
	}
	return out, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]*room.Room, error) {
	member, err := json.Marshal([]map[string]string{{"user_id": userID}})
	if err != nil {
		return nil, fmt.Errorf("postgres: encode filter: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM rooms
		WHERE kind = $1 AND NOT deleted AND doc -> 'participants' @> $2::jsonb
		ORDER BY last_activity DESC`,
		string(room.KindConversation), string(member))
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	all, err := scanDocs[room.Room](rows)
	if err != nil {
		return nil, err
	}
	if includeArchived {
		return all, nil
	}
	out := all[:0]
	for _, r := range all {
		if p, ok := r.Participant(userID); ok && !p.Archived {
			out = append(out, r)
		}
	}
	return out, nil
}

// RecordActivity bumps the message counter and moves last_activity forward.
func (s *Store) RecordActivity(ctx context.Context, id string, at time.Time) error {
	_, err := s.UpdateRoom(ctx, id, func(r *room.Room) error {
		r.MessageCount++
		if at.After(r.LastActivity) {
			r.LastActivity = at
		}
		return nil
	})
	return err
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (s *Store) CreateMessage(ctx context.Context, m *room.Message) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("postgres: encode message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, created_at, doc) VALUES ($1, $2, $3, $4)`,
		m.ID, m.RoomID, m.CreatedAt, string(doc))
	if isUniqueViolation(err) {
		return room.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("postgres: create message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*room.Message, error) {
	m := new(room.Message)
	if err := loadDoc(ctx, s.db, m, `SELECT doc FROM messages WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) UpdateMessage(ctx context.Context, id string, fn func(*room.Message) error) (*room.Message, error) {
	var out *room.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		m := new(room.Message)
		if err := loadDoc(ctx, tx, m, `SELECT doc FROM messages WHERE id = $1 FOR UPDATE`, id); err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		doc, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("postgres: encode message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET doc = $2 WHERE id = $1`, id, string(doc)); err != nil {
			return fmt.Errorf("postgres: update message: %w", err)
		}
		out = m
		return nil
	})
	return out, err
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return room.ErrNotFound
	}
	return nil
}

// History returns up to q.Limit messages older than q.Before, newest first.
func (s *Store) History(ctx context.Context, q room.HistoryQuery) ([]*room.Message, error) {
	var before any
	if !q.Before.IsZero() {
		before = q.Before
	}
	limit := any(nil)
	if q.Limit > 0 {
		limit = q.Limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM messages
		WHERE room_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`,
		q.RoomID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: history: %w", err)
	}
	return scanDocs[room.Message](rows)
}

// Package report handles user reports against messages. Each report captures
// who reported whom, the room, and the last few messages leading up to the
// reported one so moderators can review it in context.
package report

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/chatguard/internal/audit"
	"github.com/whisper/chatguard/internal/room"
)

const (
	// SnapshotSize is how many messages are attached to a report.
	SnapshotSize = 5

	// FlagThreshold reports against one user within FlagWindow flag that user
	// as suspicious.
	FlagThreshold = 3
	FlagWindow    = 24 * time.Hour

	// FlagDuration is how long a report-triggered flag lasts.
	FlagDuration = 30 * time.Minute
)

// validReasons is the set of allowed reason values, matching the CHECK
// constraint on the message_reports table.
var validReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"hate":       true,
	"other":      true,
}

// ValidReason reports whether reason is an accepted report reason.
func ValidReason(reason string) bool { return validReasons[reason] }

var (
	ErrInvalidReason = errors.New("report: invalid reason")
	ErrSelfReport    = errors.New("report: cannot report own message")
)

// Report is a single persisted report.
type Report struct {
	ID             string         `json:"id"`
	ReporterID     string         `json:"reporter_id"`
	ReportedUserID string         `json:"reported_user_id"`
	MessageID      string         `json:"message_id"`
	RoomID         string         `json:"room_id"`
	Reason         string         `json:"reason"`
	Details        string         `json:"details,omitempty"`
	Snapshot       []MessageEntry `json:"snapshot"`
	CreatedAt      time.Time      `json:"created_at"`
}

// MessageEntry is one message in the snapshot attached to a report.
type MessageEntry struct {
	ID       string    `json:"id"`
	SenderID string    `json:"sender_id"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}

// Repository persists reports.
type Repository interface {
	CreateReport(ctx context.Context, r *Report) error
	CountRecent(ctx context.Context, reportedUserID string, since time.Time) (int, error)
}

// Flagger marks a user suspicious for a while.
type Flagger interface {
	MarkSuspicious(ctx context.Context, userID, reason string, dur time.Duration) error
}

// Result is the outcome of filing a report.
type Result struct {
	Report  *Report
	Flagged bool // the reported user crossed FlagThreshold
}

// Service files reports.
type Service struct {
	repo     Repository
	messages room.MessageStore
	flagger  Flagger
	audit    audit.Recorder
	now      func() time.Time
}

// NewService creates a report service. flagger and rec may be nil.
func NewService(repo Repository, messages room.MessageStore, flagger Flagger, rec audit.Recorder) *Service {
	return &Service{
		repo:     repo,
		messages: messages,
		flagger:  flagger,
		audit:    rec,
		now:      time.Now,
	}
}

// File records a report by reporterID against messageID. Access to the room
// is the caller's concern.
func (s *Service) File(ctx context.Context, reporterID, messageID, reason, details string) (Result, error) {
	if !validReasons[reason] {
		return Result{}, fmt.Errorf("%w %q", ErrInvalidReason, reason)
	}
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return Result{}, err
	}
	if msg.SenderID == reporterID {
		return Result{}, ErrSelfReport
	}

	now := s.now().UTC()
	rep := &Report{
		ID:             uuid.NewString(),
		ReporterID:     reporterID,
		ReportedUserID: msg.SenderID,
		MessageID:      msg.ID,
		RoomID:         msg.RoomID,
		Reason:         reason,
		Details:        details,
		Snapshot:       s.snapshot(ctx, msg),
		CreatedAt:      now,
	}
	if err := s.repo.CreateReport(ctx, rep); err != nil {
		return Result{}, fmt.Errorf("report: create: %w", err)
	}

	if _, err := s.messages.UpdateMessage(ctx, msg.ID, func(m *room.Message) error {
		m.Flagged = true
		return nil
	}); err != nil {
		log.Printf("[report] flag message failed id=%s: %v", msg.ID, err)
	}

	s.record(ctx, audit.Event{
		Type:     audit.EventMessageReported,
		ActorID:  reporterID,
		TargetID: msg.SenderID,
		RoomID:   msg.RoomID,
		Severity: audit.SeverityLow,
		Metadata: map[string]any{"message_id": msg.ID, "reason": reason, "report_id": rep.ID},
	})

	res := Result{Report: rep}
	count, err := s.repo.CountRecent(ctx, msg.SenderID, now.Add(-FlagWindow))
	if err != nil {
		log.Printf("[report] count recent failed user=%s: %v", msg.SenderID, err)
		return res, nil
	}
	if count < FlagThreshold {
		return res, nil
	}

	res.Flagged = true
	if s.flagger != nil {
		if err := s.flagger.MarkSuspicious(ctx, msg.SenderID, "reports", FlagDuration); err != nil {
			log.Printf("[report] mark suspicious failed user=%s: %v", msg.SenderID, err)
		}
	}
	log.Printf("[report] user flagged user=%s reports=%d", msg.SenderID, count)
	s.record(ctx, audit.Event{
		Type:     audit.EventSuspiciousActivity,
		TargetID: msg.SenderID,
		Severity: audit.SeverityHigh,
		Metadata: map[string]any{"trigger": "reports", "count": count, "window": FlagWindow.String()},
	})
	return res, nil
}

// snapshot returns up to SnapshotSize messages ending at msg, oldest first.
func (s *Service) snapshot(ctx context.Context, msg *room.Message) []MessageEntry {
	history, err := s.messages.History(ctx, room.HistoryQuery{
		RoomID: msg.RoomID,
		Before: msg.CreatedAt.Add(time.Nanosecond),
		Limit:  SnapshotSize,
	})
	if err != nil {
		log.Printf("[report] snapshot failed room=%s: %v", msg.RoomID, err)
		history = []*room.Message{msg}
	}

	entries := make([]MessageEntry, 0, len(history))
	for _, m := range history {
		if m.Deleted {
			continue
		}
		entries = append(entries, MessageEntry{ID: m.ID, SenderID: m.SenderID, Text: m.Content, SentAt: m.CreatedAt})
	}
	slices.Reverse(entries)
	return entries
}

func (s *Service) record(ctx context.Context, ev audit.Event) {
	if s.audit != nil {
		s.audit.Record(ctx, ev)
	}
}

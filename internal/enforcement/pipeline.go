package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/whisper/chatguard/internal/audit"
	"github.com/whisper/chatguard/internal/metrics"
	"github.com/whisper/chatguard/internal/ratelimit"
	"github.com/whisper/chatguard/internal/room"
)

// Moderation budgets for actors.
const (
	PerActionLimit     = 10
	GlobalActionLimit  = 30
	ActionWindow       = time.Minute
	RepeatTargetLimit  = 3
	RepeatTargetWindow = 5 * time.Minute
)

// Config overrides the moderation budgets.
type Config struct {
	PerActionLimit     int           `env:"PER_ACTION_LIMIT"`
	GlobalLimit        int           `env:"GLOBAL_LIMIT"`
	Window             time.Duration `env:"WINDOW"`
	RepeatTargetLimit  int           `env:"REPEAT_TARGET_LIMIT"`
	RepeatTargetWindow time.Duration `env:"REPEAT_TARGET_WINDOW"`
}

// DefaultConfig returns the default budgets.
func DefaultConfig() Config {
	return Config{
		PerActionLimit:     PerActionLimit,
		GlobalLimit:        GlobalActionLimit,
		Window:             ActionWindow,
		RepeatTargetLimit:  RepeatTargetLimit,
		RepeatTargetWindow: RepeatTargetWindow,
	}
}

// Pipeline applies moderation actions.
type Pipeline struct {
	users   room.UserStore
	rooms   room.RoomStore
	limiter *ratelimit.Limiter
	audit   audit.Recorder
	cfg     Config
	now     func() time.Time
}

// NewPipeline creates a pipeline. limiter and rec may be nil.
func NewPipeline(users room.UserStore, rooms room.RoomStore, limiter *ratelimit.Limiter, rec audit.Recorder, cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.PerActionLimit <= 0 {
		cfg.PerActionLimit = def.PerActionLimit
	}
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = def.GlobalLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.RepeatTargetLimit <= 0 {
		cfg.RepeatTargetLimit = def.RepeatTargetLimit
	}
	if cfg.RepeatTargetWindow <= 0 {
		cfg.RepeatTargetWindow = def.RepeatTargetWindow
	}
	return &Pipeline{users: users, rooms: rooms, limiter: limiter, audit: rec, cfg: cfg, now: time.Now}
}

// Apply validates req and mutates the room. The returned Result reflects the
// persisted state; callers broadcast it.
func (p *Pipeline) Apply(ctx context.Context, req Request) (Result, error) {
	res, err := p.apply(ctx, req)
	outcome := "applied"
	if err != nil {
		outcome = outcomeOf(err)
	}
	metrics.ModerationActionsTotal.WithLabelValues(string(req.Action), outcome).Inc()
	return res, err
}

func (p *Pipeline) apply(ctx context.Context, req Request) (Result, error) {
	if !req.Action.Valid() {
		return Result{}, fmt.Errorf("%w %q", ErrInvalidAction, req.Action)
	}
	if req.ActorID == req.TargetID {
		return Result{}, ErrSelfModeration
	}
	label, length, err := resolveDuration(req.Action, req.Duration)
	if err != nil {
		return Result{}, err
	}
	if err := p.checkBudget(ctx, req); err != nil {
		return Result{}, err
	}

	actor, err := p.users.GetUser(ctx, req.ActorID)
	if err != nil {
		return Result{}, fmt.Errorf("enforcement: load actor: %w", err)
	}
	target, err := p.users.GetUser(ctx, req.TargetID)
	if err != nil {
		return Result{}, fmt.Errorf("enforcement: load target: %w", err)
	}
	r, err := p.rooms.GetRoom(ctx, req.RoomID)
	if err != nil {
		return Result{}, fmt.Errorf("enforcement: load room: %w", err)
	}
	if r.Deleted {
		return Result{}, fmt.Errorf("enforcement: load room: %w", room.ErrNotFound)
	}
	if !r.IsChannel() {
		return Result{}, ErrNotChannel
	}

	actorRole, targetRole := r.EffectiveRole(actor), r.EffectiveRole(target)
	if !actorRole.Outranks(targetRole) {
		log.Printf("[enforcement] privilege escalation actor=%s(%s) target=%s(%s) action=%s room=%s",
			actor.ID, actorRole, target.ID, targetRole, req.Action, r.ID)
		p.record(ctx, audit.Event{
			Type:     audit.EventPrivilegeEscalation,
			ActorID:  actor.ID,
			TargetID: target.ID,
			RoomID:   r.ID,
			Severity: audit.SeverityHigh,
			Metadata: map[string]any{
				"action":      string(req.Action),
				"actor_role":  string(actorRole),
				"target_role": string(targetRole),
			},
		})
		return Result{}, ErrPrivilegeEscalation
	}

	now := p.now().UTC()
	res := Result{
		Action:    req.Action,
		ActorID:   actor.ID,
		TargetID:  target.ID,
		RoomID:    r.ID,
		Duration:  label,
		Reason:    req.Reason,
		AppliedAt: now,
	}
	if length > 0 {
		exp := now.Add(length)
		res.ExpiresAt = &exp
	}

	_, err = p.rooms.UpdateRoom(ctx, r.ID, func(r *room.Room) error {
		return mutate(r, req, res)
	})
	if err != nil {
		if errors.Is(err, ErrNotRestricted) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("enforcement: update room: %w", err)
	}

	log.Printf("[enforcement] applied action=%s actor=%s target=%s room=%s duration=%s",
		req.Action, actor.ID, target.ID, r.ID, label)
	meta := map[string]any{"action": string(req.Action)}
	if label != "" {
		meta["duration"] = label
	}
	if req.Reason != "" {
		meta["reason"] = req.Reason
	}
	p.record(ctx, audit.Event{
		Type:     audit.EventModerationAction,
		ActorID:  actor.ID,
		TargetID: target.ID,
		RoomID:   r.ID,
		Severity: audit.SeverityMedium,
		Metadata: meta,
	})

	res.RepeatTarget = p.checkRepeatTarget(ctx, res)
	return res, nil
}

// mutate applies one action to the loaded room.
func mutate(r *room.Room, req Request, res Result) error {
	rs := room.Restriction{
		UserID:    req.TargetID,
		ActorID:   req.ActorID,
		Reason:    req.Reason,
		CreatedAt: res.AppliedAt,
		ExpiresAt: res.ExpiresAt,
	}
	switch req.Action {
	case KindTimeout, KindMute:
		r.SetMute(rs)
	case KindBan:
		r.SetBan(rs)
		r.RemoveParticipant(req.TargetID)
	case KindKick:
		r.RemoveParticipant(req.TargetID)
	case KindUnmute:
		if !r.Unmute(req.TargetID) {
			return ErrNotRestricted
		}
	case KindUnban:
		if !r.Unban(req.TargetID) {
			return ErrNotRestricted
		}
	}
	return nil
}

// checkBudget charges the actor's per-action and global moderation budgets.
// Limiter failures allow the action.
func (p *Pipeline) checkBudget(ctx context.Context, req Request) error {
	if p.limiter == nil {
		return nil
	}
	rules := []struct {
		scope string
		rule  ratelimit.Rule
	}{
		{string(req.Action), ratelimit.Rule{Key: "rl:mod:" + string(req.Action) + ":", Limit: p.cfg.PerActionLimit, Window: p.cfg.Window}},
		{"all", ratelimit.Rule{Key: "rl:mod:all:", Limit: p.cfg.GlobalLimit, Window: p.cfg.Window}},
	}
	// Both counters are charged on every attempt.
	allowed := make([]bool, len(rules))
	for i, r := range rules {
		allowed[i], _ = p.limiter.Allow(ctx, req.ActorID, r.rule)
	}
	for i, r := range rules {
		if allowed[i] {
			continue
		}
		retry := p.limiter.RetryAfter(ctx, req.ActorID, r.rule)
		p.record(ctx, audit.Event{
			Type:     audit.EventRateLimited,
			ActorID:  req.ActorID,
			RoomID:   req.RoomID,
			Severity: audit.SeverityMedium,
			Metadata: map[string]any{"limit": "moderation", "scope": r.scope},
		})
		return &RateLimitedError{Scope: r.scope, RetryAfter: retry}
	}
	return nil
}

// checkRepeatTarget counts actions by one actor on one target and audits the
// pattern once per window when it reaches the limit.
func (p *Pipeline) checkRepeatTarget(ctx context.Context, res Result) bool {
	if p.limiter == nil {
		return false
	}
	rule := ratelimit.Rule{
		Key:    "rl:mod:target:" + res.ActorID + ":",
		Limit:  p.cfg.RepeatTargetLimit,
		Window: p.cfg.RepeatTargetWindow,
	}
	n, err := p.limiter.Hit(ctx, res.TargetID, rule)
	if err != nil {
		log.Printf("[enforcement] repeat-target counter error actor=%s: %v", res.ActorID, err)
		return false
	}
	if n < int64(rule.Limit) {
		return false
	}
	if n == int64(rule.Limit) {
		log.Printf("[enforcement] repeated moderation actor=%s target=%s count=%d", res.ActorID, res.TargetID, n)
		p.record(ctx, audit.Event{
			Type:     audit.EventSuspiciousActivity,
			ActorID:  res.ActorID,
			TargetID: res.TargetID,
			RoomID:   res.RoomID,
			Severity: audit.SeverityHigh,
			Metadata: map[string]any{
				"trigger": "repeat_moderation",
				"count":   n,
				"window":  rule.Window.String(),
			},
		})
	}
	return true
}

func (p *Pipeline) record(ctx context.Context, ev audit.Event) {
	if p.audit != nil {
		p.audit.Record(ctx, ev)
	}
}

func outcomeOf(err error) string {
	var rl *RateLimitedError
	switch {
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.Is(err, ErrPrivilegeEscalation):
		return "escalation"
	case errors.Is(err, ErrSelfModeration), errors.Is(err, ErrInvalidAction),
		errors.Is(err, ErrInvalidDuration), errors.Is(err, ErrNotChannel),
		errors.Is(err, ErrNotRestricted):
		return "invalid"
	default:
		return "error"
	}
}

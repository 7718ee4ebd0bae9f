package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budgets. Every value can be overridden through Config.
const (
	GlobalLimit  = 20
	DirectLimit  = 30
	EditLimit    = 10
	NewUserLimit = 10
	FlaggedLimit = 5
	BurstLimit   = 5
	ConnectLimit = 20

	BudgetWindow = time.Minute
	BurstWindow  = 10 * time.Second

	DuplicateLimit      = 3
	DuplicateWindow     = 5 * time.Minute
	RecentMessages      = 5
	SimilarityThreshold = 0.8
	SimilarMatches      = 3
	SuspiciousFor       = 30 * time.Minute
)

// MessageType is the kind of send being counted.
type MessageType string

const (
	MessageGlobal MessageType = "global" // channel message
	MessageDirect MessageType = "direct" // conversation message
	MessageEdit   MessageType = "edit"
)

// LimitKind names the budget that rejected a request.
type LimitKind string

const (
	LimitGlobal  LimitKind = "global"
	LimitDirect  LimitKind = "direct"
	LimitEdit    LimitKind = "edit"
	LimitNewUser LimitKind = "newUser"
	LimitFlagged LimitKind = "flagged"
	LimitBurst   LimitKind = "burst"
	LimitFlood   LimitKind = "flood"
	LimitConnect LimitKind = "connect"
)

// Budget is a count allowed per window.
type Budget struct {
	Count  int           `env:"COUNT"`
	Window time.Duration `env:"WINDOW"`
}

// Config holds every rate and flood threshold.
type Config struct {
	Global  Budget `envPrefix:"GLOBAL_"`
	Direct  Budget `envPrefix:"DIRECT_"`
	Edit    Budget `envPrefix:"EDIT_"`
	NewUser Budget `envPrefix:"NEW_USER_"`
	Flagged Budget `envPrefix:"FLAGGED_"`
	Burst   Budget `envPrefix:"BURST_"`
	Connect Budget `envPrefix:"CONNECT_"`

	DuplicateLimit      int           `env:"DUPLICATE_LIMIT"`
	DuplicateWindow     time.Duration `env:"DUPLICATE_WINDOW"`
	RecentMessages      int           `env:"RECENT_MESSAGES"`
	SimilarityThreshold float64       `env:"SIMILARITY_THRESHOLD"`
	SimilarMatches      int           `env:"SIMILAR_MATCHES"`
	SuspiciousFor       time.Duration `env:"SUSPICIOUS_FOR"`
}

// DefaultConfig returns the default budgets.
func DefaultConfig() Config {
	return Config{
		Global:              Budget{GlobalLimit, BudgetWindow},
		Direct:              Budget{DirectLimit, BudgetWindow},
		Edit:                Budget{EditLimit, BudgetWindow},
		NewUser:             Budget{NewUserLimit, BudgetWindow},
		Flagged:             Budget{FlaggedLimit, BudgetWindow},
		Burst:               Budget{BurstLimit, BurstWindow},
		Connect:             Budget{ConnectLimit, BudgetWindow},
		DuplicateLimit:      DuplicateLimit,
		DuplicateWindow:     DuplicateWindow,
		RecentMessages:      RecentMessages,
		SimilarityThreshold: SimilarityThreshold,
		SimilarMatches:      SimilarMatches,
		SuspiciousFor:       SuspiciousFor,
	}
}

// ConnectRule returns the per-IP connection rule.
func (c Config) ConnectRule() Rule {
	return Rule{Key: RuleConnect.Key, Limit: c.Connect.Count, Window: c.Connect.Window}
}

// Decision is the outcome of a rate check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Kind       LimitKind
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	return int((d.RetryAfter + time.Second - 1) / time.Second)
}

const (
	msgKeyPrefix   = "rl:msg:"
	burstKeyPrefix = "rl:burst:"
)

// Detector evaluates message sends against the configured budgets and flood
// heuristics.
type Detector struct {
	client  *redis.Client
	limiter *Limiter
	cfg     Config
}

// NewDetector creates a Detector.
func NewDetector(client *redis.Client, cfg Config) *Detector {
	return &Detector{client: client, limiter: NewLimiter(client), cfg: cfg}
}

// Limiter returns the underlying counter limiter.
func (d *Detector) Limiter() *Limiter {
	return d.limiter
}

// Config returns the detector's thresholds.
func (d *Detector) Config() Config {
	return d.cfg
}

// budgetFor picks the main budget: flagged users get the strictest budget,
// then new accounts, then the per-type default.
func (d *Detector) budgetFor(mt MessageType, isNewAccount, isFlagged bool) (Budget, LimitKind) {
	switch {
	case isFlagged:
		return d.cfg.Flagged, LimitFlagged
	case isNewAccount:
		return d.cfg.NewUser, LimitNewUser
	}
	switch mt {
	case MessageDirect:
		return d.cfg.Direct, LimitDirect
	case MessageEdit:
		return d.cfg.Edit, LimitEdit
	default:
		return d.cfg.Global, LimitGlobal
	}
}

// AllowConnect counts one WebSocket upgrade from ip against the connect
// budget. A rejected upgrade reports how long until the window resets.
func (d *Detector) AllowConnect(ctx context.Context, ip string) Decision {
	rule := d.cfg.ConnectRule()
	ok, err := d.limiter.Allow(ctx, ip, rule)
	if err != nil || ok {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, RetryAfter: d.limiter.RetryAfter(ctx, ip, rule), Kind: LimitConnect}
}

// CheckRate counts one send by userID against both the main budget for the
// message type and the per-user burst budget. Both counters are incremented
// before comparing. Redis failures allow the send.
func (d *Detector) CheckRate(ctx context.Context, userID string, mt MessageType, isNewAccount, isFlagged bool) Decision {
	if mt == "" {
		mt = MessageGlobal
	}
	budget, kind := d.budgetFor(mt, isNewAccount, isFlagged)
	main := Rule{Key: msgKeyPrefix + string(mt) + ":", Limit: budget.Count, Window: budget.Window}
	burst := Rule{Key: burstKeyPrefix, Limit: d.cfg.Burst.Count, Window: d.cfg.Burst.Window}

	mainCount, err := d.limiter.Hit(ctx, userID, main)
	if err != nil {
		log.Printf("[ratelimit] main counter error user=%s type=%s: %v (failing open)", userID, mt, err)
		return Decision{Allowed: true}
	}
	burstCount, err := d.limiter.Hit(ctx, userID, burst)
	if err != nil {
		log.Printf("[ratelimit] burst counter error user=%s: %v (failing open)", userID, err)
		burstCount = 0
	}

	if int(mainCount) > main.Limit {
		return Decision{Allowed: false, RetryAfter: main.Window, Kind: kind}
	}
	if int(burstCount) > burst.Limit {
		return Decision{Allowed: false, RetryAfter: burst.Window, Kind: LimitBurst}
	}
	return Decision{Allowed: true}
}

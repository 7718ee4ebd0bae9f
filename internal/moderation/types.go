package moderation

// Severity grades how serious a violation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (0) to critical (3).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Category is the violation class of a verdict.
type Category string

const (
	CategoryNone         Category = ""
	CategoryHateSpeech   Category = "hate_speech"
	CategoryProfanity    Category = "profanity"
	CategorySexual       Category = "sexual_content"
	CategoryThreats      Category = "threats"
	CategoryPersonalInfo Category = "personal_info"
	CategorySolicitation Category = "solicitation"
	CategorySpam         Category = "spam"
)

// categoryPriority decides which category a verdict reports when several
// matched. Earlier entries win.
var categoryPriority = []Category{
	CategoryHateSpeech,
	CategoryProfanity,
	CategorySexual,
	CategoryThreats,
	CategoryPersonalInfo,
	CategorySolicitation,
	CategorySpam,
}

// Action is what a caller should do with the text.
type Action string

const (
	ActionAllow Action = "allow"
	ActionClean Action = "clean" // deliverable once replaced by Verdict.Cleaned
	ActionBlock Action = "block"
)

// ContentKind selects the length cap applied to a piece of text.
type ContentKind string

const (
	KindMessage      ContentKind = "message"
	KindUsername     ContentKind = "username"
	KindChannelName  ContentKind = "channel_name"
	KindReportReason ContentKind = "report_reason"
)

// Default length caps per content kind, in characters.
var DefaultMaxLengths = map[ContentKind]int{
	KindMessage:      1000,
	KindUsername:     32,
	KindChannelName:  64,
	KindReportReason: 500,
}

// MatchKind identifies which pass produced a match.
type MatchKind string

const (
	MatchTerm      MatchKind = "term"
	MatchPattern   MatchKind = "pattern"
	MatchHeuristic MatchKind = "heuristic"
	MatchLength    MatchKind = "length"
)

// Match is one flagged term or pattern.
type Match struct {
	Kind     MatchKind `json:"kind"`
	Name     string    `json:"name"`
	Category Category  `json:"category"`
}

// Verdict is the result of classifying one piece of text. Cleaned is always
// populated, with violations redacted, so callers can offer it as a
// suggestion even when the text is rejected.
type Verdict struct {
	Valid    bool     `json:"valid"`
	Action   Action   `json:"action"`
	Severity Severity `json:"severity,omitempty"`
	Category Category `json:"category,omitempty"`
	Cleaned  string   `json:"cleaned"`
	Matches  []Match  `json:"matches,omitempty"`
}

// Terms returns the names of every matched term or pattern.
func (v Verdict) Terms() []string {
	out := make([]string, 0, len(v.Matches))
	for _, m := range v.Matches {
		out = append(out, m.Name)
	}
	return out
}

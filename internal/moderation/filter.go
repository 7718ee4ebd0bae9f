// Package moderation provides content filtering and moderation capabilities.
// It classifies chat text for prohibited content and enforces community
// guidelines before messages are delivered to recipients.
//
// Classification is pure: no I/O, no shared mutable state, safe for
// concurrent use. It runs three passes in order: a lexical pass over a curated
// term list, a regex pattern pass, and (only when both are clean) style
// heuristics for shouting and repetitive text.
package moderation

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Redaction replaces every flagged term or pattern in cleaned text.
const Redaction = "***"

// Engine classifies text. The zero value is not usable; use NewEngine.
type Engine struct {
	terms      termSet
	maxLengths map[ContentKind]int
}

// NewEngine creates an Engine with the default lexicon and length caps.
func NewEngine() *Engine {
	return NewEngineWithTerms(defaultTerms, defaultAllowList)
}

// NewEngineWithTerms creates an Engine with a custom lexicon. It is mainly
// useful in tests.
func NewEngineWithTerms(terms map[Category][]string, allow []string) *Engine {
	lengths := make(map[ContentKind]int, len(DefaultMaxLengths))
	for k, v := range DefaultMaxLengths {
		lengths[k] = v
	}
	return &Engine{
		terms:      newTermSet(terms, allow),
		maxLengths: lengths,
	}
}

// SetMaxLength overrides the length cap for a content kind. It must be called
// before the engine is shared between goroutines.
func (e *Engine) SetMaxLength(kind ContentKind, n int) {
	if n > 0 {
		e.maxLengths[kind] = n
	}
}

// MaxLength returns the length cap for kind.
func (e *Engine) MaxLength(kind ContentKind) int {
	if n, ok := e.maxLengths[kind]; ok {
		return n
	}
	return e.maxLengths[KindMessage]
}

// Classify returns the verdict for text.
func (e *Engine) Classify(text string, kind ContentKind) Verdict {
	limit := e.MaxLength(kind)
	if utf8.RuneCountInString(text) > limit {
		truncated := truncateRunes(text, limit)
		return Verdict{
			Valid:    false,
			Action:   ActionBlock,
			Severity: SeverityLow,
			Category: CategorySpam,
			Cleaned:  e.Classify(truncated, kind).Cleaned,
			Matches:  []Match{{Kind: MatchLength, Name: "max_length", Category: CategorySpam}},
		}
	}

	lexical := e.terms.match(text)
	patterns := scanPatterns(text)

	if len(lexical) > 0 || len(patterns) > 0 {
		return e.violation(text, lexical, patterns)
	}

	return heuristicVerdict(text)
}

// Check reports whether text may be delivered unchanged.
func (e *Engine) Check(text string) bool {
	return e.Classify(text, KindMessage).Valid
}

func (e *Engine) violation(text string, lexical []lexicalMatch, patterns []patternMatch) Verdict {
	present := make(map[Category]bool)
	matches := make([]Match, 0, len(lexical)+len(patterns))
	spans := make([]redactSpan, 0, len(lexical)+len(patterns))

	for _, m := range lexical {
		present[m.category] = true
		matches = append(matches, Match{Kind: MatchTerm, Name: m.term, Category: m.category})
		spans = append(spans, redactSpan{span: m.span})
	}
	for _, m := range patterns {
		present[m.category] = true
		matches = append(matches, Match{Kind: MatchPattern, Name: m.name, Category: m.category})
		spans = append(spans, redactSpan{span: m.span, collapse: m.collapse})
	}

	category := CategoryNone
	for _, c := range categoryPriority {
		if present[c] {
			category = c
			break
		}
	}

	severity := severityFor(present, len(lexical), len(patterns))
	action := ActionClean
	if severity.Rank() >= SeverityHigh.Rank() {
		action = ActionBlock
	}

	return Verdict{
		Valid:    false,
		Action:   action,
		Severity: severity,
		Category: category,
		Cleaned:  redact(text, spans),
		Matches:  matches,
	}
}

// severityFor applies the severity rules, taking the highest that applies
// to any matched category.
func severityFor(present map[Category]bool, terms, patterns int) Severity {
	switch {
	case present[CategoryHateSpeech], present[CategoryThreats]:
		return SeverityCritical
	case present[CategorySexual], present[CategoryPersonalInfo], present[CategorySolicitation]:
		return SeverityHigh
	case terms > TermCountHighAbove, patterns > PatternCountHighAbove:
		return SeverityHigh
	case present[CategoryProfanity]:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func heuristicVerdict(text string) Verdict {
	shouting := isShouting(text)
	repetitive := isRepetitive(text)

	switch {
	case repetitive:
		cleaned := dedupeWords(text)
		matches := []Match{{Kind: MatchHeuristic, Name: "low_diversity", Category: CategorySpam}}
		if shouting {
			cleaned = strings.ToLower(cleaned)
			matches = append(matches, Match{Kind: MatchHeuristic, Name: "excessive_caps", Category: CategorySpam})
		}
		return Verdict{
			Valid:    false,
			Action:   ActionClean,
			Severity: SeverityMedium,
			Category: CategorySpam,
			Cleaned:  cleaned,
			Matches:  matches,
		}
	case shouting:
		return Verdict{
			Valid:    false,
			Action:   ActionClean,
			Severity: SeverityLow,
			Category: CategorySpam,
			Cleaned:  strings.ToLower(text),
			Matches:  []Match{{Kind: MatchHeuristic, Name: "excessive_caps", Category: CategorySpam}},
		}
	}

	return Verdict{Valid: true, Action: ActionAllow, Cleaned: text}
}

type redactSpan struct {
	span
	collapse bool
}

// redact replaces spans in text. Overlapping or touching spans are merged so
// the output never contains two adjacent redactions.
func redact(text string, spans []redactSpan) string {
	if len(spans) == 0 {
		return text
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	merged := []redactSpan{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			last.collapse = last.collapse && s.collapse
			continue
		}
		merged = append(merged, s)
	}

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, s := range merged {
		b.WriteString(text[pos:s.start])
		if s.collapse {
			r, _ := utf8.DecodeRuneInString(text[s.start:])
			b.WriteRune(r)
		} else {
			b.WriteString(Redaction)
		}
		pos = s.end
	}
	b.WriteString(text[pos:])
	return b.String()
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

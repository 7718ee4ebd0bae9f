package moderation

import (
	"regexp"
)

// Compiled regex patterns for the pattern pass.
// These are compiled once at package init and reused for every call,
// making them safe and efficient for concurrent use.
var (
	// urlPattern matches http/https URLs, www. URLs, and common TLD patterns.
	// The bare-domain variant requires a trailing "/" to avoid false positives
	// on version strings like "v2.0" or decimal numbers like "3.14".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf|gg)/\S*)`)

	// phonePattern matches various phone number formats such as:
	//   +1-555-123-4567, (555) 123-4567, 555.123.4567
	// Anchored to whitespace/string boundaries to avoid matching random digit
	// sequences embedded in normal words or short numbers like "100".
	phonePattern = regexp.MustCompile(`(?:^|\s)((?:\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4})(?:\s|$)`)

	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)

	// obfuscatedSlurPatterns catch slurs spelled with separators or symbol
	// substitutions that word tokenisation splits apart ("n.i.g.g.e.r").
	obfuscatedSlurPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bn[\W_]*[i1!|y][\W_]*[g9][\W_]*[g9][\W_]*(?:[e3][\W_]*r|[a4@])\b`),
		regexp.MustCompile(`(?i)\bf[\W_]*[a4@][\W_]*[g9][\W_]*(?:[g9][\W_]*)?[o0][\W_]*[t7+]\b`),
		regexp.MustCompile(`(?i)\bk[\W_]*[i1!|y][\W_]*k[\W_]*[e3]\b`),
	}

	// solicitationPatterns catch thinly veiled requests for explicit content,
	// off-platform contact, or payment.
	solicitationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:dm|pm|message|msg|hit)\s+me\s+(?:for|4)\s+(?:pics|nudes|noods|fun|a\s+good\s+time|more)\b`),
		regexp.MustCompile(`(?i)\b(?:send|trade|sell(?:ing)?)\s+(?:me\s+)?(?:n[o0]{2}ds|pics|feet\s+pics)\b`),
		regexp.MustCompile(`(?i)\bfree\s+(?:v-?bucks|robux|gems|coins|skins|gold)\b`),
		regexp.MustCompile(`(?i)\b(?:add|find)\s+me\s+on\s+(?:snap(?:chat)?|kik|telegram|whatsapp|discord)\b`),
		regexp.MustCompile(`(?i)\b(?:cash\s*app|venmo|paypal)\s+me\b`),
	}
)

// CharFloodThreshold is the number of consecutive identical characters that
// counts as excessive repetition.
const CharFloodThreshold = 5

// patternMatch is one regex or scanner hit with its location.
type patternMatch struct {
	name     string
	category Category
	span     span
	collapse bool // replace with a single character instead of "***"
}

// spamCheck pairs a detector with the name and category it reports.
type spamCheck struct {
	name     string
	category Category
	find     func(string) []span
}

// spamChecks is the ordered list of checks applied by scanPatterns.
var spamChecks = []spamCheck{
	{name: "obfuscated_slur", category: CategoryHateSpeech, find: findAll(obfuscatedSlurPatterns...)},
	{name: "email", category: CategoryPersonalInfo, find: findAll(emailPattern)},
	{name: "phone", category: CategoryPersonalInfo, find: findSubmatch(phonePattern)},
	{name: "url", category: CategorySpam, find: findAll(urlPattern)},
	{name: "solicitation", category: CategorySolicitation, find: findAll(solicitationPatterns...)},
}

func findAll(patterns ...*regexp.Regexp) func(string) []span {
	return func(text string) []span {
		var out []span
		for _, p := range patterns {
			for _, loc := range p.FindAllStringIndex(text, -1) {
				out = append(out, span{loc[0], loc[1]})
			}
		}
		return out
	}
}

// findSubmatch reports the first capture group, for patterns whose boundary
// anchors consume surrounding whitespace.
func findSubmatch(p *regexp.Regexp) func(string) []span {
	return func(text string) []span {
		var out []span
		for _, loc := range p.FindAllStringSubmatchIndex(text, -1) {
			if len(loc) >= 4 && loc[2] >= 0 {
				out = append(out, span{loc[2], loc[3]})
			}
		}
		return out
	}
}

// findCharFloods returns runs of CharFloodThreshold or more identical
// characters. Go's regexp package (RE2) does not support backreferences, so
// this is implemented as a simple linear scan which is both correct and fast.
func findCharFloods(text string) []span {
	var out []span
	count := 0
	runStart := 0
	prev := rune(-1)
	for i, r := range text {
		if r == prev {
			count++
			continue
		}
		if count >= CharFloodThreshold {
			out = append(out, span{runStart, i})
		}
		prev = r
		count = 1
		runStart = i
	}
	if count >= CharFloodThreshold {
		out = append(out, span{runStart, len(text)})
	}
	return out
}

// hasCharFlood reports whether text contains excessive repetition.
func hasCharFlood(text string) bool {
	return len(findCharFloods(text)) > 0
}

// scanPatterns runs every pattern check against text.
func scanPatterns(text string) []patternMatch {
	var hits []patternMatch
	for _, sc := range spamChecks {
		for _, sp := range sc.find(text) {
			hits = append(hits, patternMatch{name: sc.name, category: sc.category, span: sp})
		}
	}
	for _, sp := range findCharFloods(text) {
		hits = append(hits, patternMatch{name: "char_flood", category: CategorySpam, span: sp, collapse: true})
	}
	return hits
}

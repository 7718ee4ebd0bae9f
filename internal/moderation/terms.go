package moderation

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Default prohibited terms by category. Multi-word entries are matched as
// whole-word phrases.
var defaultTerms = map[Category][]string{
	CategoryHateSpeech: {
		"nigger", "niggers", "nigga", "niggas", "faggot", "faggots", "fag", "fags",
		"kike", "kikes", "spic", "spics", "chink", "chinks", "tranny", "trannies",
		"retard", "retards", "wetback", "wetbacks", "heil hitler", "white power",
		"gas the jews",
	},
	CategoryProfanity: {
		"fuck", "fucks", "fucked", "fucker", "fuckers", "fucking", "motherfucker",
		"shit", "shits", "shitty", "bullshit", "bitch", "bitches", "asshole",
		"assholes", "ass", "cunt", "cunts", "dick", "dickhead", "bastard", "twat",
		"wanker", "piss off",
	},
	CategorySexual: {
		"porn", "porno", "child porn", "nudes", "send nudes", "blowjob", "handjob",
		"dildo", "cumshot", "hentai", "onlyfans", "sexting", "pussy",
	},
	CategoryThreats: {
		"kill yourself", "kys", "go die", "i will kill you", "i'll kill you",
		"bomb threat", "shoot up", "swat you", "doxx you", "dox you",
		"find where you live",
	},
}

// defaultAllowList overrides terms that collide with legitimate words once
// leetspeak is normalised or that are common in game chat.
var defaultAllowList = []string{
	"assess", "assassin", "assassins", "class", "classic", "grape", "scunthorpe",
	"cocktail", "shitake", "dickens", "analysis", "therapist", "bass", "pass",
	"compass", "mass", "glass", "grass",
}

// leetMap maps common character substitutions back to letters.
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'8': 'b',
	'9': 'g',
	'@': 'a',
	'$': 's',
	'!': 'i',
	'|': 'i',
	'+': 't',
}

// normalizeLeet lowercases s and replaces leetspeak substitutions.
func normalizeLeet(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if mapped, ok := leetMap[r]; ok {
			b.WriteRune(mapped)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// token is a word and its byte offsets in the original text.
type token struct {
	text       string
	start, end int
}

func isLeetRune(r rune) bool {
	_, ok := leetMap[r]
	return ok
}

// tokenizeSpans splits text into maximal runs of runes accepted by keep.
func tokenizeSpans(text string, keep func(rune) bool) []token {
	var (
		toks  []token
		start = -1
	)
	for i, r := range text {
		if keep(r) || r == '\'' && start >= 0 {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			toks = append(toks, token{text: text[start:i], start: start, end: i})
			start = -1
		}
	}
	if start >= 0 {
		toks = append(toks, token{text: text[start:], start: start, end: len(text)})
	}
	return trimApostrophes(toks)
}

// trimApostrophes strips trailing apostrophes so "fuck'" matches "fuck"
// while contractions like "i'll" keep theirs.
func trimApostrophes(toks []token) []token {
	out := toks[:0]
	for _, t := range toks {
		for strings.HasSuffix(t.text, "'") {
			t.text = t.text[:len(t.text)-1]
			t.end--
		}
		if t.text != "" {
			out = append(out, t)
		}
	}
	return out
}

// tokenizePlain returns letter/digit words.
func tokenizePlain(text string) []token {
	return tokenizeSpans(text, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	})
}

// tokenizeLeet returns words that may include leetspeak symbols.
func tokenizeLeet(text string) []token {
	toks := tokenizeSpans(text, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r) || isLeetRune(r)
	})
	out := toks[:0]
	for _, t := range toks {
		// A trailing "!" is punctuation far more often than an "i".
		for strings.HasSuffix(t.text, "!") {
			t.text = t.text[:len(t.text)-1]
			t.end--
		}
		if t.text != "" {
			out = append(out, t)
		}
	}
	return out
}

// termSet holds the compiled lexicon.
type termSet struct {
	words   map[string]Category
	phrases []phrase
	allow   map[string]struct{}
}

type phrase struct {
	words    []string
	text     string
	category Category
}

func newTermSet(terms map[Category][]string, allow []string) termSet {
	ts := termSet{
		words: make(map[string]Category),
		allow: make(map[string]struct{}),
	}
	// Walk categories in priority order so a term listed twice keeps the
	// higher-priority category.
	for _, cat := range categoryPriority {
		for _, raw := range terms[cat] {
			term := strings.ToLower(strings.TrimSpace(raw))
			if term == "" {
				continue
			}
			words := strings.Fields(term)
			if len(words) == 1 {
				if _, exists := ts.words[term]; !exists {
					ts.words[term] = cat
				}
				continue
			}
			ts.phrases = append(ts.phrases, phrase{words: words, text: strings.Join(words, " "), category: cat})
		}
	}
	for _, a := range allow {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			ts.allow[a] = struct{}{}
		}
	}
	return ts
}

// span is a redaction range in the original text.
type span struct {
	start, end int
}

// lexicalMatch is one term hit with its location.
type lexicalMatch struct {
	term     string
	category Category
	span     span
}

// scan finds every prohibited word and phrase in text.
func (ts termSet) scan(text string) []lexicalMatch {
	var hits []lexicalMatch
	covered := make(map[int]bool)

	plain := tokenizePlain(text)
	lowered := make([]string, len(plain))
	for i, t := range plain {
		lowered[i] = strings.ToLower(t.text)
	}

	for _, p := range ts.phrases {
		n := len(p.words)
		for i := 0; i+n <= len(lowered); i++ {
			if strings.Join(lowered[i:i+n], " ") != p.text {
				continue
			}
			hits = append(hits, lexicalMatch{
				term:     p.text,
				category: p.category,
				span:     span{start: plain[i].start, end: plain[i+n-1].end},
			})
			for j := i; j < i+n; j++ {
				covered[plain[j].start] = true
			}
		}
	}

	for i, t := range plain {
		if covered[t.start] {
			continue
		}
		word := lowered[i]
		if _, ok := ts.allow[word]; ok {
			continue
		}
		if cat, ok := ts.words[word]; ok {
			hits = append(hits, lexicalMatch{term: word, category: cat, span: span{t.start, t.end}})
			covered[t.start] = true
		}
	}

	for _, t := range tokenizeLeet(text) {
		if covered[t.start] {
			continue
		}
		if _, ok := ts.allow[strings.ToLower(t.text)]; ok {
			continue
		}
		norm := normalizeLeet(t.text)
		if _, ok := ts.allow[norm]; ok {
			continue
		}
		if cat, ok := ts.words[norm]; ok {
			hits = append(hits, lexicalMatch{term: norm, category: cat, span: span{t.start, t.end}})
			covered[t.start] = true
		}
	}
	return hits
}

// match is scan plus a second look at text with stretched letters squeezed,
// so "fuuuuck" and "fuckkkk" hit "fuck". Stretched hits are reported against
// the whole stretched word in the original text.
func (ts termSet) match(text string) []lexicalMatch {
	hits := ts.scan(text)
	for _, keep := range []int{2, 1} {
		sq, changed := squeeze(text, keep)
		if !changed {
			continue
		}
		for _, m := range ts.scan(sq.text) {
			orig := span{start: sq.runs[m.span.start].start, end: sq.runs[m.span.end-1].end}
			if overlaps(orig, hits) {
				continue
			}
			m.span = orig
			hits = append(hits, m)
		}
	}
	return hits
}

// squeezed is text with runs of a repeated rune cut down, and for every byte
// of the result the run in the original text it came from.
type squeezed struct {
	text string
	runs []span
}

// squeeze keeps at most keep copies of each run of identical runes. changed
// is false when no run was longer than keep.
func squeeze(text string, keep int) (sq squeezed, changed bool) {
	var b strings.Builder
	b.Grow(len(text))
	sq.runs = make([]span, 0, len(text))
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		j, n := i+size, 1
		for j < len(text) {
			next, nsize := utf8.DecodeRuneInString(text[j:])
			if next != r {
				break
			}
			j += nsize
			n++
		}
		emit := min(n, keep)
		if emit < n {
			changed = true
		}
		for k := 0; k < emit; k++ {
			b.WriteString(text[i : i+size])
			for range size {
				sq.runs = append(sq.runs, span{start: i, end: j})
			}
		}
		i = j
	}
	sq.text = b.String()
	return sq, changed
}

func overlaps(s span, hits []lexicalMatch) bool {
	for _, h := range hits {
		if s.start < h.span.end && h.span.start < s.end {
			return true
		}
	}
	return false
}

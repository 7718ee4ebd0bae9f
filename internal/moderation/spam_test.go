package moderation

import "testing"

func patternNames(text string) []string {
	var names []string
	for _, m := range scanPatterns(text) {
		names = append(names, m.name)
	}
	return names
}

func hasPattern(text, name string) bool {
	for _, n := range patternNames(text) {
		if n == name {
			return true
		}
	}
	return false
}

// TestSpam_URLs verifies that common URL formats are detected.
func TestSpam_URLs(t *testing.T) {
	tests := []struct {
		name  string
		input string
		match bool
	}{
		{"http url", "check out http://evil.com", true},
		{"https url", "visit https://spam.xyz/click", true},
		{"www url", "go to www.phishing.net", true},
		{"bare domain with path", "visit evil.com/free", true},
		{"bare domain .gg path", "join server.gg/invite", true},
		{"bare domain .ru path", "go to site.ru/malware", true},
		{"version string", "running v2.0 now", false},
		{"decimal", "pi is 3.14", false},
		{"bare domain without path", "I like example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasPattern(tt.input, "url"); got != tt.match {
				t.Errorf("url match for %q = %v, want %v", tt.input, got, tt.match)
			}
		})
	}
}

// TestSpam_PhoneNumbers verifies that common phone number formats are detected
// and that the reported span excludes surrounding whitespace.
func TestSpam_PhoneNumbers(t *testing.T) {
	tests := []struct {
		name  string
		input string
		match string
	}{
		{"intl dashed", "+1-555-123-4567", "+1-555-123-4567"},
		{"parenthesized area code", "(555) 123-4567", "(555) 123-4567"},
		{"dotted format", "555.123.4567", "555.123.4567"},
		{"in sentence", "call me at 555-123-4567 okay?", "555-123-4567"},
		{"short number", "I have 100 points", ""},
		{"year", "back in 2024", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			for _, m := range scanPatterns(tt.input) {
				if m.name == "phone" {
					got = tt.input[m.span.start:m.span.end]
				}
			}
			if got != tt.match {
				t.Errorf("phone match for %q = %q, want %q", tt.input, got, tt.match)
			}
		})
	}
}

func TestSpam_Email(t *testing.T) {
	for _, input := range []string{"bob@example.com", "write to first.last+tag@mail.co.uk"} {
		if !hasPattern(input, "email") {
			t.Errorf("expected email match for %q", input)
		}
	}
	if hasPattern("meet @ noon", "email") {
		t.Error("bare @ should not match email")
	}
}

func TestSpam_Solicitation(t *testing.T) {
	tests := []struct {
		input string
		match bool
	}{
		{"dm me for pics", true},
		{"free robux here", true},
		{"add me on discord", true},
		{"cashapp me", true},
		{"send me the notes", false},
		{"free time later", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := hasPattern(tt.input, "solicitation"); got != tt.match {
				t.Errorf("solicitation match for %q = %v, want %v", tt.input, got, tt.match)
			}
		})
	}
}

func TestSpam_ObfuscatedSlur(t *testing.T) {
	for _, input := range []string{"n.i.g.g.e.r", "f_a_g_g_o_t", "k-i-k-e"} {
		if !hasPattern(input, "obfuscated_slur") {
			t.Errorf("expected obfuscated_slur match for %q", input)
		}
	}
	for _, input := range []string{"night", "niger river", "kite"} {
		if hasPattern(input, "obfuscated_slur") {
			t.Errorf("unexpected obfuscated_slur match for %q", input)
		}
	}
}

// TestSpam_CharFlood verifies that runs of CharFloodThreshold or more identical
// characters are reported and shorter runs are not.
func TestSpam_CharFlood(t *testing.T) {
	tests := []struct {
		name  string
		input string
		runs  int
	}{
		{"five a's", "aaaaa", 1},
		{"in word", "hellooooo", 1},
		{"exclamation flood", "wow!!!!!!", 1},
		{"two runs", "aaaaa bbbbb", 2},
		{"four a's", "aaaa", 0},
		{"double letters", "hello", 0},
		{"unicode", "ééééé", 1},
		{"empty", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(findCharFloods(tt.input)); got != tt.runs {
				t.Errorf("findCharFloods(%q) = %d runs, want %d", tt.input, got, tt.runs)
			}
			if hasCharFlood(tt.input) != (tt.runs > 0) {
				t.Errorf("hasCharFlood(%q) disagrees with findCharFloods", tt.input)
			}
		})
	}
}

func TestSpam_CharFloodCollapses(t *testing.T) {
	hits := scanPatterns("nooooooo")
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if !hits[0].collapse || hits[0].category != CategorySpam {
		t.Errorf("char flood hit = %+v, want collapsing spam", hits[0])
	}
}

func TestRedact_MergesAdjacentSpans(t *testing.T) {
	text := "abcdef"
	got := redact(text, []redactSpan{
		{span: span{0, 3}},
		{span: span{2, 4}},
	})
	if got != "***ef" {
		t.Errorf("redact = %q, want %q", got, "***ef")
	}

	got = redact("xaaaaay", []redactSpan{{span: span{1, 6}, collapse: true}})
	if got != "xay" {
		t.Errorf("collapse = %q, want %q", got, "xay")
	}
}

func TestSpam_CleanMessages(t *testing.T) {
	for _, msg := range []string{
		"hey how are you?",
		"my favorite number is 42",
		"I'm 25 years old",
		"version 2.0.1 is out",
		"great game, well played",
	} {
		t.Run(msg, func(t *testing.T) {
			if names := patternNames(msg); len(names) != 0 {
				t.Errorf("scanPatterns(%q) = %v, want none", msg, names)
			}
		})
	}
}

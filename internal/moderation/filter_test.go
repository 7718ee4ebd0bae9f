package moderation

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNewEngine(t *testing.T) {
	e := NewEngine()
	if e == nil {
		t.Fatal("NewEngine returned nil")
	}
	if len(e.terms.words) == 0 && len(e.terms.phrases) == 0 {
		t.Fatal("NewEngine created an empty lexicon")
	}
	if got := e.MaxLength(KindMessage); got != 1000 {
		t.Errorf("MaxLength(message) = %d, want 1000", got)
	}
}

func TestClassify_ProfanityIsCleaned(t *testing.T) {
	e := NewEngine()

	v := e.Classify("FUCK this game", KindMessage)
	if v.Valid {
		t.Fatal("expected invalid verdict")
	}
	if v.Category != CategoryProfanity {
		t.Errorf("Category = %q, want %q", v.Category, CategoryProfanity)
	}
	if v.Severity != SeverityMedium {
		t.Errorf("Severity = %q, want %q", v.Severity, SeverityMedium)
	}
	if v.Action != ActionClean {
		t.Errorf("Action = %q, want %q", v.Action, ActionClean)
	}
	if v.Cleaned != "*** this game" {
		t.Errorf("Cleaned = %q, want %q", v.Cleaned, "*** this game")
	}
}

func TestClassify_CustomTerms(t *testing.T) {
	e := NewEngineWithTerms(map[Category][]string{
		CategoryProfanity: {"badword", "offensive"},
	}, nil)

	tests := []struct {
		name  string
		input string
		valid bool
		term  string
	}{
		{"exact match", "badword", false, "badword"},
		{"in sentence", "this is badword here", false, "badword"},
		{"case insensitive", "BADWORD", false, "badword"},
		{"mixed case", "BaDwOrD", false, "badword"},
		{"with punctuation", "hello, badword!", false, "badword"},
		{"clean message", "hello world", true, ""},
		{"partial match", "badwording is fine", true, ""},
		{"substring", "mybadword", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Classify(tt.input, KindMessage)
			if v.Valid != tt.valid {
				t.Fatalf("Classify(%q).Valid = %v, want %v", tt.input, v.Valid, tt.valid)
			}
			if tt.valid {
				if v.Cleaned != tt.input {
					t.Errorf("Classify(%q).Cleaned = %q, want input unchanged", tt.input, v.Cleaned)
				}
				return
			}
			terms := v.Terms()
			if len(terms) != 1 || terms[0] != tt.term {
				t.Errorf("Classify(%q).Terms() = %v, want [%s]", tt.input, terms, tt.term)
			}
		})
	}
}

func TestClassify_Phrases(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name     string
		input    string
		category Category
		cleaned  string
	}{
		{"threat phrase", "just kill yourself already", CategoryThreats, "just *** already"},
		{"extra spacing", "go   die", CategoryThreats, "***"},
		{"hate phrase", "heil hitler", CategoryHateSpeech, "***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Classify(tt.input, KindMessage)
			if v.Valid {
				t.Fatalf("Classify(%q) should be invalid", tt.input)
			}
			if v.Category != tt.category {
				t.Errorf("Category = %q, want %q", v.Category, tt.category)
			}
			if v.Severity != SeverityCritical {
				t.Errorf("Severity = %q, want critical", v.Severity)
			}
			if v.Action != ActionBlock {
				t.Errorf("Action = %q, want block", v.Action)
			}
			if v.Cleaned != tt.cleaned {
				t.Errorf("Cleaned = %q, want %q", v.Cleaned, tt.cleaned)
			}
		})
	}
}

func TestClassify_Leetspeak(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		input   string
		term    string
		cleaned string
	}{
		{"this is sh1t", "shit", "this is ***"},
		{"you b!tch", "bitch", "you ***"},
		{"$h!t happens", "shit", "*** happens"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v := e.Classify(tt.input, KindMessage)
			if v.Valid {
				t.Fatalf("Classify(%q) should be invalid", tt.input)
			}
			if v.Category != CategoryProfanity {
				t.Errorf("Category = %q, want profanity", v.Category)
			}
			found := false
			for _, term := range v.Terms() {
				if term == tt.term {
					found = true
				}
			}
			if !found {
				t.Errorf("Terms() = %v, want to contain %q", v.Terms(), tt.term)
			}
			if v.Cleaned != tt.cleaned {
				t.Errorf("Cleaned = %q, want %q", v.Cleaned, tt.cleaned)
			}
		})
	}
}

func TestClassify_AllowList(t *testing.T) {
	e := NewEngine()

	for _, msg := range []string{
		"that was a classic play",
		"pass me the ball",
		"my assassin build is strong",
		"let me assess the situation",
		"cl4ss is starting",
	} {
		t.Run(msg, func(t *testing.T) {
			if v := e.Classify(msg, KindMessage); !v.Valid {
				t.Errorf("Classify(%q) flagged %v", msg, v.Terms())
			}
		})
	}
}

func TestClassify_CleanMessages(t *testing.T) {
	e := NewEngine()

	for _, msg := range []string{
		"hello how are you?",
		"I love music and movies",
		"what's your favorite book?",
		"let's chat about programming",
		"I scored 100 points",
		"upgraded to v2.0 today",
		"pi is about 3.14",
		"",
	} {
		t.Run(msg, func(t *testing.T) {
			v := e.Classify(msg, KindMessage)
			if !v.Valid {
				t.Fatalf("Classify(%q) flagged %v", msg, v.Terms())
			}
			if v.Action != ActionAllow {
				t.Errorf("Action = %q, want allow", v.Action)
			}
			if v.Cleaned != msg {
				t.Errorf("Cleaned = %q, want %q", v.Cleaned, msg)
			}
		})
	}
}

func TestClassify_Severity(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name     string
		input    string
		category Category
		severity Severity
		action   Action
	}{
		{"single profanity", "well shit", CategoryProfanity, SeverityMedium, ActionClean},
		{"many terms", "shit shit shit shit", CategoryProfanity, SeverityHigh, ActionBlock},
		{"sexual", "send nudes", CategorySexual, SeverityHigh, ActionBlock},
		{"email", "mail me at bob@example.com", CategoryPersonalInfo, SeverityHigh, ActionBlock},
		{"phone", "call 555-123-4567 now", CategoryPersonalInfo, SeverityHigh, ActionBlock},
		{"solicitation", "add me on snapchat", CategorySolicitation, SeverityHigh, ActionBlock},
		{"url", "check https://spam.example now", CategorySpam, SeverityLow, ActionClean},
		{"priority over severity", "fuck you, kill yourself", CategoryProfanity, SeverityCritical, ActionBlock},
		{"obfuscated slur", "n.i.g.g.e.r", CategoryHateSpeech, SeverityCritical, ActionBlock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Classify(tt.input, KindMessage)
			if v.Valid {
				t.Fatalf("Classify(%q) should be invalid", tt.input)
			}
			if v.Category != tt.category {
				t.Errorf("Category = %q, want %q", v.Category, tt.category)
			}
			if v.Severity != tt.severity {
				t.Errorf("Severity = %q, want %q", v.Severity, tt.severity)
			}
			if v.Action != tt.action {
				t.Errorf("Action = %q, want %q", v.Action, tt.action)
			}
		})
	}
}

func TestClassify_Redaction(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		input   string
		cleaned string
	}{
		{"shit shit shit shit", "*** *** *** ***"},
		{"call 555-123-4567 now", "call *** now"},
		{"mail me at bob@example.com", "mail me at ***"},
		{"hellooooooo there", "hello there"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := e.Classify(tt.input, KindMessage).Cleaned; got != tt.cleaned {
				t.Errorf("Cleaned = %q, want %q", got, tt.cleaned)
			}
		})
	}
}

func TestClassify_CleanedIsStable(t *testing.T) {
	e := NewEngine()

	for _, msg := range []string{
		"FUCK this game",
		"shit shit shit shit",
		"call 555-123-4567 now",
		"hellooooooo there",
		"THIS IS SO AMAZING RIGHT NOW",
		"buy buy buy buy buy buy buy buy buy buy buy",
		"fuuuuuuck you",
		"fuckkkkkk",
		"shiiiiiit happens",
	} {
		t.Run(msg, func(t *testing.T) {
			first := e.Classify(msg, KindMessage).Cleaned
			second := e.Classify(first, KindMessage)
			if first != second.Cleaned {
				t.Errorf("cleaning %q twice: %q then %q", msg, first, second.Cleaned)
			}
			if !second.Valid {
				t.Errorf("cleaned %q is still flagged: %v", first, second.Terms())
			}
		})
	}
}

func TestClassify_StretchedTerms(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		text     string
		category Category
		cleaned  string
	}{
		{"fuuuuuuck you", CategoryProfanity, "*** you"},
		{"fuckkkkkk", CategoryProfanity, "***"},
		{"you a$$$$", CategoryProfanity, "you ***"},
		{"shitttty game", CategoryProfanity, "*** game"},
		{"killll yourself", CategoryThreats, "***"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			v := e.Classify(tt.text, KindMessage)
			if v.Valid || v.Category != tt.category {
				t.Fatalf("verdict = %v/%q, want %q", v.Valid, v.Category, tt.category)
			}
			if v.Cleaned != tt.cleaned {
				t.Errorf("Cleaned = %q, want %q", v.Cleaned, tt.cleaned)
			}
		})
	}

	for _, ok := range []string{"hellooooooo there", "sooooooo good", "passsss me the ball"} {
		if v := e.Classify(ok, KindMessage); v.Category != CategorySpam {
			t.Errorf("%q classified as %q, want spam only", ok, v.Category)
		}
	}
}

func TestClassify_Heuristics(t *testing.T) {
	e := NewEngine()

	t.Run("shouting", func(t *testing.T) {
		v := e.Classify("THIS IS SO AMAZING RIGHT NOW", KindMessage)
		if v.Valid {
			t.Fatal("expected invalid verdict")
		}
		if v.Category != CategorySpam || v.Severity != SeverityLow {
			t.Errorf("got %q/%q, want spam/low", v.Category, v.Severity)
		}
		if v.Cleaned != "this is so amazing right now" {
			t.Errorf("Cleaned = %q", v.Cleaned)
		}
	})

	t.Run("short caps allowed", func(t *testing.T) {
		if v := e.Classify("GG WP", KindMessage); !v.Valid {
			t.Errorf("short caps flagged: %v", v.Terms())
		}
	})

	t.Run("repetitive", func(t *testing.T) {
		v := e.Classify("buy buy buy buy buy buy buy buy buy buy buy", KindMessage)
		if v.Valid {
			t.Fatal("expected invalid verdict")
		}
		if v.Category != CategorySpam || v.Severity != SeverityMedium {
			t.Errorf("got %q/%q, want spam/medium", v.Category, v.Severity)
		}
		if v.Cleaned != "buy" {
			t.Errorf("Cleaned = %q, want %q", v.Cleaned, "buy")
		}
	})

	t.Run("skipped when a term matched", func(t *testing.T) {
		v := e.Classify("THIS SHIT IS SO AMAZING RIGHT NOW", KindMessage)
		for _, m := range v.Matches {
			if m.Kind == MatchHeuristic {
				t.Errorf("heuristic %q ran alongside a term match", m.Name)
			}
		}
	})
}

func TestClassify_LengthCap(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name  string
		kind  ContentKind
		input string
		limit int
	}{
		{"message", KindMessage, strings.Repeat("ab ", 334), 1000},
		{"username", KindUsername, strings.Repeat("xy", 17), 32},
		{"channel name", KindChannelName, strings.Repeat("chan", 17), 64},
		{"report reason", KindReportReason, strings.Repeat("é", 501), 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Classify(tt.input, tt.kind)
			if v.Valid {
				t.Fatal("over-length text should be invalid")
			}
			if v.Action != ActionBlock {
				t.Errorf("Action = %q, want block", v.Action)
			}
			if v.Category != CategorySpam || v.Severity != SeverityLow {
				t.Errorf("got %q/%q, want spam/low", v.Category, v.Severity)
			}
			if n := utf8.RuneCountInString(v.Cleaned); n > tt.limit {
				t.Errorf("Cleaned has %d runes, want <= %d", n, tt.limit)
			}
			if len(v.Matches) != 1 || v.Matches[0].Kind != MatchLength {
				t.Errorf("Matches = %v, want one length match", v.Matches)
			}
		})
	}

	t.Run("at limit", func(t *testing.T) {
		if v := e.Classify(strings.Repeat("ab", 16), KindUsername); !v.Valid {
			t.Errorf("text at the limit flagged: %v", v.Terms())
		}
	})
}

func TestSetMaxLength(t *testing.T) {
	e := NewEngine()
	e.SetMaxLength(KindMessage, 10)
	e.SetMaxLength(KindUsername, 0)

	if got := e.MaxLength(KindMessage); got != 10 {
		t.Errorf("MaxLength(message) = %d, want 10", got)
	}
	if got := e.MaxLength(KindUsername); got != 32 {
		t.Errorf("MaxLength(username) = %d, want 32 (zero ignored)", got)
	}
	if v := e.Classify("hello there friend", KindMessage); v.Valid {
		t.Error("expected length cap to apply")
	}
}

func TestNewEngineWithTerms_EmptyAndWhitespace(t *testing.T) {
	e := NewEngineWithTerms(map[Category][]string{
		CategoryProfanity: {"", "  ", "valid"},
	}, []string{""})

	if len(e.terms.words) != 1 {
		t.Errorf("expected 1 word, got %d", len(e.terms.words))
	}
	if len(e.terms.allow) != 0 {
		t.Errorf("expected empty allow list, got %d", len(e.terms.allow))
	}
}

func TestNormalizeLeet(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello", "hello"},
		{"h3ll0", "hello"},
		{"$h!t", "shit"},
		{"@$$", "ass"},
		{"f4gg0t", "faggot"},
		{"HELLO", "hello"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := normalizeLeet(tt.input); got != tt.expected {
				t.Errorf("normalizeLeet(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestTokenizePlain(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"hello world", []string{"hello", "world"}},
		{"hello, world!", []string{"hello", "world"}},
		{"i'll be there", []string{"i'll", "be", "there"}},
		{"trailing' quote", []string{"trailing", "quote"}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			toks := tokenizePlain(tt.input)
			if len(toks) != len(tt.expected) {
				t.Fatalf("tokenizePlain(%q) = %d tokens, want %d", tt.input, len(toks), len(tt.expected))
			}
			for i, tok := range toks {
				if tok.text != tt.expected[i] {
					t.Errorf("token[%d] = %q, want %q", i, tok.text, tt.expected[i])
				}
				if tt.input[tok.start:tok.end] != tok.text {
					t.Errorf("token[%d] offsets [%d:%d] do not match text", i, tok.start, tok.end)
				}
			}
		})
	}
}

func TestTokenizeLeet(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"$h!t happens", []string{"$h!t", "happens"}},
		{"wow!!", []string{"wow"}},
		{"a@b", []string{"a@b"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			toks := tokenizeLeet(tt.input)
			if len(toks) != len(tt.expected) {
				t.Fatalf("tokenizeLeet(%q) = %d tokens, want %d", tt.input, len(toks), len(tt.expected))
			}
			for i, tok := range toks {
				if tok.text != tt.expected[i] {
					t.Errorf("token[%d] = %q, want %q", i, tok.text, tt.expected[i])
				}
			}
		})
	}
}

func BenchmarkClassify(b *testing.B) {
	e := NewEngine()
	msg := "hey how are you doing today? I love chatting about music and movies"
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Classify(msg, KindMessage)
	}
}

func BenchmarkClassify_Flagged(b *testing.B) {
	e := NewEngine()
	msg := "this is some shit, call 555-123-4567"
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Classify(msg, KindMessage)
	}
}

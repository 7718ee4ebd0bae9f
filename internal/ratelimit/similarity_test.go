package ratelimit

import "testing"

func TestEditDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"same", "same", 0},
		{"héllo", "hello", 1},
		{"日本語", "日本", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			if got := EditDistance(tt.a, tt.b); got != tt.want {
				t.Errorf("EditDistance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"", "", 1},
		{"abc", "abc", 1},
		{"abc", "", 0},
		{"abcd", "abce", 0.75},
		{"kitten", "sitting", 4.0 / 7.0},
	}

	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			if got := Similarity(tt.a, tt.b); got != tt.want {
				t.Errorf("Similarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSimilarity_Symmetric(t *testing.T) {
	inputs := []string{
		"", "a", "hello world", "hello there world", "HELLO", "héllo wörld",
		"join my server now 1", "join my server now 22", "completely different",
	}
	for _, a := range inputs {
		for _, b := range inputs {
			if Similarity(a, b) != Similarity(b, a) {
				t.Errorf("Similarity(%q, %q) != Similarity(%q, %q)", a, b, b, a)
			}
			if EditDistance(a, b) != EditDistance(b, a) {
				t.Errorf("EditDistance(%q, %q) not symmetric", a, b)
			}
		}
	}
}

func BenchmarkSimilarity(b *testing.B) {
	x := "hey everyone, join my server for free gold and gems"
	y := "hey everyone, join my server for free gems and gold!"
	for i := 0; i < b.N; i++ {
		Similarity(x, y)
	}
}

package textutil

import "testing"

func TestNormalizeToken(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Hello,", "hello"},
		{"  The ", "the"},
		{"don't", "dont"},
		{"Café", "cafe"},
		{"—", ""},
		{"WORLD!", "world"},
		{"straße", "strasse"},
	}
	for _, tc := range cases {
		if got := NormalizeToken(tc.in); got != tc.want {
			t.Errorf("NormalizeToken(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEditDistance(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"fox", "fox", 0},
		{"quick", "quack", 1},
	}
	for _, tc := range cases {
		if got := EditDistance(tc.a, tc.b); got != tc.want {
			t.Errorf("EditDistance(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestNormalizedDistance(t *testing.T) {
	if got := NormalizedDistance("", ""); got != 0 {
		t.Fatalf("expected 0 for empty strings, got %v", got)
	}
	if got := NormalizedDistance("abcd", "abcd"); got != 0 {
		t.Fatalf("expected 0 for equal strings, got %v", got)
	}
	if got := NormalizedDistance("abcd", "wxyz"); got != 1 {
		t.Fatalf("expected 1 for disjoint strings, got %v", got)
	}
}

func TestSanitizeFileName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Chapter 1: The Beginning", "Chapter_1_The_Beginning"},
		{"a/b\\c", "a_b_c"},
		{"..trailing..", "trailing"},
		{"what?", "what"},
	}
	for _, tc := range cases {
		if got := SanitizeFileName(tc.in); got != tc.want {
			t.Errorf("SanitizeFileName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeFileNameCapsLength(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'a'
	}
	if got := SanitizeFileName(string(long)); len(got) != 200 {
		t.Fatalf("expected 200 chars, got %d", len(got))
	}
}

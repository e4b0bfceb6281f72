package session

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNewPlayerSanitizesNames(t *testing.T) {
	if p := NewPlayer("  ada  "); p.Name != "ada" {
		t.Fatalf("expected trimmed name, got %q", p.Name)
	}
	if p := NewPlayer("   "); p.Name != "anonymous" {
		t.Fatalf("expected anonymous fallback, got %q", p.Name)
	}
	if p := NewPlayer("ada"); p.ID == "" {
		t.Fatalf("expected a minted id")
	}
}

func TestNewPlayerTruncatesNamesOnRuneBoundary(t *testing.T) {
	p := NewPlayer(strings.Repeat("ü", maxPlayerNameLength+5))
	if got := utf8.RuneCountInString(p.Name); got != maxPlayerNameLength {
		t.Fatalf("name truncated to %d runes, want %d", got, maxPlayerNameLength)
	}
	if !utf8.ValidString(p.Name) {
		t.Fatalf("name truncation split a character: %q", p.Name)
	}
}

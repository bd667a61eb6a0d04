package channel

import (
	"strings"
	"testing"

	logx "slotwatch/pkg/logx"
)

func TestSplitTextShort(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %v", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	lines := make([]string, 20)
	for i := range lines {
		lines[i] = strings.Repeat("x", 10)
	}
	s := strings.Join(lines, "\n")

	got := splitText(s, 50)
	if len(got) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(got))
	}
	for i, c := range got {
		if len([]rune(c)) > 50 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		// Chunks cut at newline boundaries keep lines whole.
		for _, line := range strings.Split(c, "\n") {
			if line != strings.Repeat("x", 10) {
				t.Fatalf("chunk %d split mid-line: %q", i, line)
			}
		}
	}

	joined := strings.Join(got, "\n")
	if strings.ReplaceAll(joined, "\n", "") != strings.ReplaceAll(s, "\n", "") {
		t.Fatal("content lost while splitting")
	}
}

func TestSplitTextHardCut(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 105)
	got := splitText(s, 50)
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	total := 0
	for _, c := range got {
		total += len(c)
	}
	if total != 105 {
		t.Fatalf("total runes = %d, want 105", total)
	}
}

func TestNewTelegramRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegram(TelegramConfig{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

package memory

import (
	"strings"
	"testing"
)

func TestParseFile_PrefersBullets(t *testing.T) {
	text := "# Memories\n- Prefer short diffs\n* Run tests\nextra line"
	got := ParseFile(text)
	want := []string{"Prefer short diffs", "Run tests"}
	if len(got) != len(want) {
		t.Fatalf("ParseFile = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseFile_FallsBackToBareLines(t *testing.T) {
	text := "# Memories\nPrefer short diffs\nRun tests"
	got := ParseFile(text)
	if len(got) != 2 || got[0] != "Prefer short diffs" || got[1] != "Run tests" {
		t.Errorf("ParseFile = %v, want bare lines as entries", got)
	}
}

func TestParseFile_SkipsHeadingsAndBlanks(t *testing.T) {
	text := "# Memories\n\n## Subsection\n\n- Keep it short\n"
	got := ParseFile(text)
	if len(got) != 1 || got[0] != "Keep it short" {
		t.Errorf("ParseFile = %v, want single entry", got)
	}
}

func TestParseCandidates_Sentinel(t *testing.T) {
	for _, in := range []string{"", "  ", "NO_MEMORIES", "no_memories", "  NO_MEMORIES  "} {
		if got := ParseCandidates(in); got != nil {
			t.Errorf("ParseCandidates(%q) = %v, want nil", in, got)
		}
	}
}

func TestParseCandidates_PlainBullets(t *testing.T) {
	out := "- Prefers tabs over spaces for indentation.\n- Works in a Go monorepo."
	got := ParseCandidates(out)
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].Text != "Prefers tabs over spaces for indentation." {
		t.Errorf("text = %q", got[0].Text)
	}
	if got[0].Source != SourceUnspecified {
		t.Errorf("source = %v, want unspecified", got[0].Source)
	}
}

func TestParseCandidates_SourceTags(t *testing.T) {
	out := "- [user] Prefers tabs over spaces for indentation.\n" +
		"- [tool] Project uses Make as its build system."
	got := ParseCandidates(out)
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].Source != SourceUser {
		t.Errorf("candidate 0 source = %v, want user", got[0].Source)
	}
	if got[1].Source != SourceTool {
		t.Errorf("candidate 1 source = %v, want tool", got[1].Source)
	}
	// Tags stay in the stored text for round-trip fidelity.
	if !strings.HasPrefix(got[1].Text, "[tool] ") {
		t.Errorf("tag stripped from text: %q", got[1].Text)
	}
}

func TestParseCandidates_ToleratesUntaggedLines(t *testing.T) {
	out := "- [user] Uses zsh.\n- Likes verbose commit messages."
	got := ParseCandidates(out)
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[1].Source != SourceUnspecified {
		t.Errorf("untagged line source = %v, want unspecified", got[1].Source)
	}
}

func TestParseCandidates_StarBulletsAndBareLines(t *testing.T) {
	out := "* Uses Neovim.\nPrefers rebase over merge."
	got := ParseCandidates(out)
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
	if got[0].Text != "Uses Neovim." {
		t.Errorf("star bullet not stripped: %q", got[0].Text)
	}
}

func TestParseCandidates_DedupIgnoresCaseAndTag(t *testing.T) {
	out := "- [user] Prefers tabs.\n- [tool] prefers tabs.\n- PREFERS TABS."
	got := ParseCandidates(out)
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1 after dedup: %v", len(got), got)
	}
}

func TestParseCandidates_SkipsRepeatedSentinelLines(t *testing.T) {
	out := "NO_MEMORIES\n- Uses Linux.\nno_memories"
	got := ParseCandidates(out)
	if len(got) != 1 || got[0].Text != "Uses Linux." {
		t.Errorf("ParseCandidates = %v, want single entry", got)
	}
}

func TestSection(t *testing.T) {
	section, ok := Section([]string{"Prefer gofmt", "Run tests"})
	if !ok {
		t.Fatal("expected section")
	}
	want := "## Memories\n- Prefer gofmt\n- Run tests"
	if section != want {
		t.Errorf("Section = %q, want %q", section, want)
	}
}

func TestSection_Empty(t *testing.T) {
	if _, ok := Section(nil); ok {
		t.Error("empty entries should yield no section")
	}
}

func TestSplitSourceTag(t *testing.T) {
	tests := []struct {
		in         string
		wantSource Source
		wantText   string
	}{
		{"[user] Prefers tabs.", SourceUser, "Prefers tabs."},
		{"[tool] Uses Make.", SourceTool, "Uses Make."},
		{"Prefers tabs.", SourceUnspecified, "Prefers tabs."},
		{"[robot] Beep.", SourceUnspecified, "[robot] Beep."},
	}
	for _, tt := range tests {
		source, text := SplitSourceTag(tt.in)
		if source != tt.wantSource || text != tt.wantText {
			t.Errorf("SplitSourceTag(%q) = (%v, %q), want (%v, %q)",
				tt.in, source, text, tt.wantSource, tt.wantText)
		}
	}
}

func TestDedupKey(t *testing.T) {
	a := DedupKey("[user] Prefers Tabs.")
	b := DedupKey("  prefers tabs.  ")
	if a != b {
		t.Errorf("keys differ: %q vs %q", a, b)
	}
}

func TestTruncatePrompt_RuneSafe(t *testing.T) {
	s := strings.Repeat("é", 1200) // 2 bytes per rune
	got := TruncatePrompt(s, MaxPromptBytes)
	if len(got) > MaxPromptBytes {
		t.Errorf("truncated length %d exceeds cap %d", len(got), MaxPromptBytes)
	}
	if !strings.HasSuffix(got, "é") {
		t.Error("truncation split a UTF-8 sequence")
	}
}

func TestTruncatePrompt_ShortInputUntouched(t *testing.T) {
	if got := TruncatePrompt("hello", MaxPromptBytes); got != "hello" {
		t.Errorf("TruncatePrompt = %q, want %q", got, "hello")
	}
}

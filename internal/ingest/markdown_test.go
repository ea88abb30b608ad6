package ingest

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/engram/internal/events"
	"github.com/nugget/engram/internal/memory"
)

func TestParseNotes_BulletsOnly(t *testing.T) {
	notes := `# Setup notes

Some prose that is not a memory.

## Tooling

- Prefers ripgrep over grep.
- Uses zsh with oh-my-zsh.

More prose.

* Star bullets work too.
`
	got := parseNotes(strings.NewReader(notes))
	want := []string{
		"Prefers ripgrep over grep.",
		"Uses zsh with oh-my-zsh.",
		"Star bullets work too.",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d candidates, want %d: %+v", len(got), len(want), got)
	}
	for i, c := range got {
		if c.Text != want[i] {
			t.Errorf("candidate %d = %q, want %q", i, c.Text, want[i])
		}
	}
}

func TestParseNotes_SkipsCodeBlocks(t *testing.T) {
	notes := "- Real memory.\n" +
		"```sh\n" +
		"- this is a flag, not a bullet\n" +
		"```\n" +
		"- Another real memory.\n"

	got := parseNotes(strings.NewReader(notes))
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2: %+v", len(got), got)
	}
	if got[0].Text != "Real memory." || got[1].Text != "Another real memory." {
		t.Errorf("unexpected candidates: %+v", got)
	}
}

func TestParseNotes_SourceTags(t *testing.T) {
	notes := "- [user] Works from home on Fridays.\n" +
		"- [tool] Repo uses Makefiles.\n" +
		"- No tag here.\n"

	got := parseNotes(strings.NewReader(notes))
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3", len(got))
	}
	if got[0].Source != memory.SourceUser {
		t.Errorf("candidate 0 source = %v, want user", got[0].Source)
	}
	if got[1].Source != memory.SourceTool {
		t.Errorf("candidate 1 source = %v, want tool", got[1].Source)
	}
	if got[2].Source != memory.SourceUnspecified {
		t.Errorf("candidate 2 source = %v, want unspecified", got[2].Source)
	}
}

func TestParseNotes_DedupWithinFile(t *testing.T) {
	notes := "- Uses Linux.\n- uses linux.\n- [tool] Uses Linux.\n"

	got := parseNotes(strings.NewReader(notes))
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1: %+v", len(got), got)
	}
}

func TestParseNotes_Empty(t *testing.T) {
	if got := parseNotes(strings.NewReader("# Just headings\n\nAnd prose.\n")); got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestImporter_ImportFile(t *testing.T) {
	home := t.TempDir()
	memories := memory.NewStore(home, slog.Default())
	bus := events.New()
	imp := NewImporter(memories, bus, slog.Default())

	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	notesPath := filepath.Join(t.TempDir(), "notes.md")
	notes := "# Notes\n\n- Deploys on Fridays are banned.\n- Staging lives at staging.internal.\n"
	if err := os.WriteFile(notesPath, []byte(notes), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := imp.ImportFile(notesPath, memories.GlobalPath())
	if err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	if res.Candidates != 2 || res.Appended != 2 {
		t.Errorf("result = %+v, want 2 candidates, 2 appended", res)
	}

	data, err := os.ReadFile(memories.GlobalPath())
	if err != nil {
		t.Fatalf("read memories: %v", err)
	}
	if !strings.Contains(string(data), "Deploys on Fridays are banned.") {
		t.Errorf("memories file missing imported entry:\n%s", data)
	}

	select {
	case ev := <-ch:
		if ev.Kind != events.KindImportComplete {
			t.Errorf("event kind = %q, want %q", ev.Kind, events.KindImportComplete)
		}
		if ev.Source != events.SourceIngest {
			t.Errorf("event source = %q, want %q", ev.Source, events.SourceIngest)
		}
	default:
		t.Error("no import event published")
	}
}

func TestImporter_ReimportOnlyAddsNew(t *testing.T) {
	home := t.TempDir()
	memories := memory.NewStore(home, slog.Default())
	imp := NewImporter(memories, nil, slog.Default())

	first, err := imp.ImportString("- Original entry.\n", memories.GlobalPath())
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if first.Appended != 1 {
		t.Fatalf("first appended = %d, want 1", first.Appended)
	}

	second, err := imp.ImportString("- Original entry.\n- New entry.\n", memories.GlobalPath())
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if second.Candidates != 2 {
		t.Errorf("second candidates = %d, want 2", second.Candidates)
	}
	if second.Appended != 1 {
		t.Errorf("second appended = %d, want 1", second.Appended)
	}
}

func TestImporter_MissingFile(t *testing.T) {
	imp := NewImporter(memory.NewStore(t.TempDir(), slog.Default()), nil, slog.Default())
	if _, err := imp.ImportFile("/nonexistent/notes.md", "unused"); err == nil {
		t.Error("expected error for missing file")
	}
}

package history

import (
	"strings"
	"testing"

	"github.com/RichardoC/pad-relay/internal/models"
)

func newTestProjector(t *testing.T, opts Options) *Projector {
	t.Helper()
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func msgs(pairs ...string) []models.Message {
	out := make([]models.Message, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, models.Message{
			ID:      int64(i/2 + 1),
			Role:    models.Role(pairs[i]),
			Content: pairs[i+1],
		})
	}
	return out
}

func TestStrip(t *testing.T) {
	p := newTestProjector(t, Options{})

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "lowercase", in: "abc<think>secret</think>def", want: "abcdef"},
		{name: "uppercase", in: "abc<THINK>secret</THINK>def", want: "abcdef"},
		{name: "mixed case", in: "abc<Think>secret</tHiNk>def", want: "abcdef"},
		{name: "multiline", in: "a<think>line one\nline two\n</think>b", want: "ab"},
		{name: "non greedy", in: "<think>x</think>keep<think>y</think>", want: "keep"},
		{name: "no markers", in: "plain text", want: "plain text"},
		{name: "unclosed", in: "a<think>b", want: "a<think>b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Strip(tt.in); got != tt.want {
				t.Errorf("Strip(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStripRequiresMatchingTags(t *testing.T) {
	p := newTestProjector(t, Options{ScratchpadTags: []string{"think", "thinking"}})

	if got := p.Strip("a<think>x</thinking>b<thinking>y</thinking>c"); got != "a<think>x</thinking>bc" {
		t.Errorf("Strip() = %q", got)
	}
}

func TestProjectDropsEmptyAndNormalizesRoles(t *testing.T) {
	p := newTestProjector(t, Options{})

	got := p.Project(msgs(
		"user", "  hi  ",
		"bot", "<think>only secret</think>",
		"user", "again",
		"bot", "answer <think>hidden</think>",
		"assistant", "   ",
	), 0)

	want := []models.ProjectedMessage{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleUser, Content: "again"},
		{Role: models.RoleAssistant, Content: "answer"},
	}
	if len(got) != len(want) {
		t.Fatalf("Project() = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Project()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestProjectTruncation(t *testing.T) {
	p := newTestProjector(t, Options{})
	// lengths oldest to newest: 4, 3, 5, 2
	history := msgs("user", "aaaa", "assistant", "bbb", "user", "ccccc", "assistant", "dd")

	tests := []struct {
		name   string
		budget int
		want   []string
	}{
		{name: "unlimited", budget: 0, want: []string{"aaaa", "bbb", "ccccc", "dd"}},
		{name: "exact fit all", budget: 14, want: []string{"aaaa", "bbb", "ccccc", "dd"}},
		{name: "drops oldest", budget: 13, want: []string{"bbb", "ccccc", "dd"}},
		{name: "exact suffix", budget: 10, want: []string{"bbb", "ccccc", "dd"}},
		{name: "stops at first overflow", budget: 9, want: []string{"ccccc", "dd"}},
		{name: "only newest", budget: 2, want: []string{"dd"}},
		{name: "nothing fits", budget: 1, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Project(history, tt.budget)
			if len(got) != len(tt.want) {
				t.Fatalf("Project(budget=%d) = %+v, want %v", tt.budget, got, tt.want)
			}
			for i := range tt.want {
				if got[i].Content != tt.want[i] {
					t.Errorf("Project(budget=%d)[%d] = %q, want %q", tt.budget, i, got[i].Content, tt.want[i])
				}
			}
		})
	}
}

func TestProjectTruncationCountsRunes(t *testing.T) {
	p := newTestProjector(t, Options{})
	history := msgs("user", "héllo", "assistant", "wörld")

	got := p.Project(history, 10)
	if len(got) != 2 {
		t.Errorf("Project() kept %d messages, want 2", len(got))
	}
}

func TestProjectTruncationIgnoresScratchpad(t *testing.T) {
	p := newTestProjector(t, Options{})
	history := msgs("user", "abc", "assistant", "de<think>"+strings.Repeat("x", 100)+"</think>")

	got := p.Project(history, 5)
	if len(got) != 2 || got[1].Content != "de" {
		t.Errorf("Project() = %+v", got)
	}
}

func TestProjectSkipErrorReplies(t *testing.T) {
	history := msgs(
		"user", "hi",
		"assistant", models.ErrorMarker+" **Connection Error**",
		"user", models.ErrorMarker+" typed by the user",
	)

	kept := newTestProjector(t, Options{}).Project(history, 0)
	if len(kept) != 3 {
		t.Errorf("default projection kept %d messages, want 3", len(kept))
	}

	skipped := newTestProjector(t, Options{SkipErrorReplies: true}).Project(history, 0)
	if len(skipped) != 2 || skipped[1].Role != models.RoleUser {
		t.Errorf("SkipErrorReplies projection = %+v", skipped)
	}
}

func TestNewRejectsEmptyTags(t *testing.T) {
	if _, err := New(Options{ScratchpadTags: []string{" ", ""}}); err == nil {
		t.Error("New() with blank tags should fail")
	}
}

func TestViewKeepsErrorRepliesAndFullLength(t *testing.T) {
	p := newTestProjector(t, Options{SkipErrorReplies: true})
	history := msgs(
		"user", "Hi",
		"bot", "<think>plan</think>"+models.ErrorMarker+" **Connection Error**",
		"user", "again",
		"assistant", "   ",
	)

	got := p.View(history)
	if len(got) != 3 {
		t.Fatalf("View() = %+v, want 3 messages", got)
	}
	if got[1].Role != models.RoleAssistant || !strings.HasPrefix(got[1].Content, models.ErrorMarker) {
		t.Errorf("View()[1] = %+v, want the error reply with scratchpad removed", got[1])
	}

	if projected := p.Project(history, 0); len(projected) != 2 {
		t.Errorf("Project() = %+v, want the error reply skipped", projected)
	}
}

func TestCutAtOpenTag(t *testing.T) {
	p := newTestProjector(t, Options{ScratchpadTags: []string{"think", "reasoning"}})

	tests := []struct {
		in   string
		want string
	}{
		{"answer<think>secret</think>more", "answer"},
		{"answer<THINK>secret", "answer"},
		{"a < b <Reasoning>x", "a < b "},
		{"<think>only", ""},
		{"no tags <thin", "no tags <thin"},
		{"plain", "plain"},
	}

	for _, tt := range tests {
		if got := p.cutAtOpenTag(tt.in); got != tt.want {
			t.Errorf("cutAtOpenTag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

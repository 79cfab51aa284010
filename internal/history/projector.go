// Package history turns stored transcripts into the message lists sent to a
// model: scratchpad spans are removed, empty entries dropped, roles
// normalized, and the result optionally cut to a recency window.
package history

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/RichardoC/pad-relay/internal/models"
	"github.com/dlclark/regexp2"
)

var DefaultScratchpadTags = []string{"think"}

type Options struct {
	// ScratchpadTags names the reserved <tag>...</tag> pairs to strip.
	ScratchpadTags []string
	// SkipErrorReplies drops assistant replies that carry models.ErrorMarker.
	SkipErrorReplies bool
}

// Projector is stateless after construction and safe for concurrent use.
type Projector struct {
	scratchpad       *regexp2.Regexp
	openTags         []string
	skipErrorReplies bool
}

func New(opts Options) (*Projector, error) {
	tags := opts.ScratchpadTags
	if len(tags) == 0 {
		tags = DefaultScratchpadTags
	}

	quoted := make([]string, 0, len(tags))
	openTags := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(tag))
		openTags = append(openTags, "<"+tag+">")
	}
	if len(quoted) == 0 {
		return nil, fmt.Errorf("no usable scratchpad tags in %q", tags)
	}

	// The backreference keeps <think> from being closed by </thinking>.
	pattern := `<(` + strings.Join(quoted, "|") + `)>.*?</\1>`
	re, err := regexp2.Compile(pattern, regexp2.IgnoreCase|regexp2.Singleline)
	if err != nil {
		return nil, fmt.Errorf("failed to compile scratchpad pattern: %w", err)
	}
	re.MatchTimeout = time.Second

	return &Projector{scratchpad: re, openTags: openTags, skipErrorReplies: opts.SkipErrorReplies}, nil
}

// Strip removes every scratchpad span from content.
func (p *Projector) Strip(content string) string {
	stripped, err := p.scratchpad.Replace(content, "", -1, -1)
	if err != nil {
		// Only a match timeout lands here. Nothing from the first opening
		// tag onward can be trusted to be scratchpad-free.
		return p.cutAtOpenTag(content)
	}
	return stripped
}

// cutAtOpenTag drops everything from the first opening scratchpad tag,
// matched case-insensitively.
func (p *Projector) cutAtOpenTag(content string) string {
	for i := 0; i < len(content); i++ {
		if content[i] != '<' {
			continue
		}
		for _, tag := range p.openTags {
			if len(content)-i >= len(tag) && strings.EqualFold(content[i:i+len(tag)], tag) {
				return content[:i]
			}
		}
	}
	return content
}

// Project converts stored messages into model-ready ones. With budgetChars > 0
// only the newest messages whose combined length fits the budget are kept.
func (p *Projector) Project(messages []models.Message, budgetChars int) []models.ProjectedMessage {
	projected := p.project(messages, p.skipErrorReplies)
	if budgetChars <= 0 {
		return projected
	}
	return truncate(projected, budgetChars)
}

// View is the transcript as the user saw it: scratchpad spans and empty
// entries are gone, but error replies stay and nothing is truncated.
func (p *Projector) View(messages []models.Message) []models.ProjectedMessage {
	return p.project(messages, false)
}

func (p *Projector) project(messages []models.Message, skipErrorReplies bool) []models.ProjectedMessage {
	projected := make([]models.ProjectedMessage, 0, len(messages))
	for _, msg := range messages {
		role := msg.Role.Canonical()
		content := strings.TrimSpace(p.Strip(msg.Content))
		if content == "" {
			continue
		}
		if skipErrorReplies && role == models.RoleAssistant && strings.HasPrefix(content, models.ErrorMarker) {
			continue
		}
		projected = append(projected, models.ProjectedMessage{Role: role, Content: content})
	}
	return projected
}

// truncate keeps the longest suffix whose rune count stays within budget.
func truncate(messages []models.ProjectedMessage, budget int) []models.ProjectedMessage {
	total := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		total += utf8.RuneCountInString(messages[i].Content)
		if total > budget {
			break
		}
		start = i
	}
	return messages[start:]
}

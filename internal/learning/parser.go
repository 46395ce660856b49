// Package learning runs the conversations in which a user teaches an agent, and extracts the
// structured directives the model proposes along the way.
package learning

import (
	"regexp"
	"strings"

	"forecastloop/internal/domain"
)

// Directives is what a parser found in one model response.
type Directives struct {
	Update  *domain.ContextUpdate
	Insight *string
	// Text is the response with every directive block removed.
	Text string
}

type DirectiveParser interface {
	Parse(response string) Directives
}

var (
	updateBlockRe  = regexp.MustCompile(`(?s)\[CONTEXT_UPDATE\](.*?)\[/CONTEXT_UPDATE\]`)
	insightBlockRe = regexp.MustCompile(`(?s)\[INSIGHT\](.*?)\[/INSIGHT\]`)

	sectionRe = regexp.MustCompile(`(?mi)^\s*Section:\s*(.+?)\s*$`)
	typeRe    = regexp.MustCompile(`(?mi)^\s*Type:\s*(.+?)\s*$`)
	contentRe = regexp.MustCompile(`(?mi)^\s*Content:\s*(.+?)\s*$`)
	reasonRe  = regexp.MustCompile(`(?mi)^\s*Reason:\s*(.+?)\s*$`)

	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// TagParser reads [CONTEXT_UPDATE] and [INSIGHT] blocks. Only the first block of each kind is
// used; a block missing a field or naming an unknown type yields no directive.
type TagParser struct{}

func (TagParser) Parse(response string) Directives {
	var d Directives

	if m := updateBlockRe.FindStringSubmatch(response); m != nil {
		d.Update = parseUpdateBlock(m[1])
	}
	if m := insightBlockRe.FindStringSubmatch(response); m != nil {
		if insight := strings.TrimSpace(m[1]); insight != "" {
			d.Insight = &insight
		}
	}

	text := updateBlockRe.ReplaceAllString(response, "")
	text = insightBlockRe.ReplaceAllString(text, "")
	d.Text = strings.TrimSpace(blankLinesRe.ReplaceAllString(text, "\n\n"))
	return d
}

func parseUpdateBlock(body string) *domain.ContextUpdate {
	section := firstGroup(sectionRe, body)
	kind := domain.UpdateType(strings.ToLower(firstGroup(typeRe, body)))
	content := firstGroup(contentRe, body)
	if section == "" || content == "" || !kind.IsValid() {
		return nil
	}
	return &domain.ContextUpdate{
		Section:    section,
		UpdateType: kind,
		Content:    content,
		Reason:     firstGroup(reasonRe, body),
		SourceType: domain.SourceConversation,
	}
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

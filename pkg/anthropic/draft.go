package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// DefaultDraftModel is used for scope-of-work drafting unless overridden.
const DefaultDraftModel = "claude-sonnet-4-5-20250929"

const draftSystemPrompt = `You are a contracts assistant for a professional
services firm. Draft a scope-of-work section for a services agreement from
the client intake details provided. Be specific about deliverables,
exclusions, and assumptions. Use plain prose with numbered sections. Do not
invent pricing beyond the stated budget. Output only the scope text.`

// ScopeInput carries the intake details used to draft a scope of work.
type ScopeInput struct {
	Model        string
	ClientName   string
	ProjectType  string
	Budget       string
	Timeline     string
	Requirements string
	MeetingNotes string
}

// DraftScope asks the model for a scope-of-work draft based on the client's
// intake form. Returns the draft text.
func DraftScope(ctx context.Context, c Client, in ScopeInput) (string, error) {
	model := in.Model
	if model == "" {
		model = DefaultDraftModel
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Client: %s\n", in.ClientName)
	fmt.Fprintf(&b, "Project type: %s\n", in.ProjectType)
	fmt.Fprintf(&b, "Budget: %s\n", in.Budget)
	fmt.Fprintf(&b, "Timeline: %s\n", in.Timeline)
	fmt.Fprintf(&b, "Requirements:\n%s\n", in.Requirements)
	if in.MeetingNotes != "" {
		fmt.Fprintf(&b, "Meeting notes:\n%s\n", in.MeetingNotes)
	}

	resp, err := c.CreateMessage(ctx, MessageRequest{
		Model:     model,
		MaxTokens: 4096,
		System: []SystemBlock{
			{Text: draftSystemPrompt, CacheControl: &CacheControl{TTL: "5m"}},
		},
		Messages: []Message{
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		return "", eris.Wrap(err, "anthropic: draft scope")
	}

	resp.Usage.LogCost(model, "scope_draft")

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", eris.New("anthropic: draft scope returned empty response")
	}
	return text, nil
}

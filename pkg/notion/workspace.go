package notion

import (
	"context"
	"fmt"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// Notion caps rich text content at 2000 characters per text object.
const maxRichTextLen = 2000

// ProjectInput holds everything needed to build a project workspace page.
type ProjectInput struct {
	DatabaseID  string
	ThreadID    string
	ClientName  string
	ClientEmail string
	OrgID       string
	ProjectType string
	Budget      string
	Timeline    string
	ScopeOfWork string
	ContractURL string
}

// FindProjectByThread looks up an existing project page tagged with the
// given thread ID. Returns "" when no page exists. Used to keep workspace
// creation idempotent across retries.
func FindProjectByThread(ctx context.Context, c Client, dbID, threadID string) (string, error) {
	resp, err := c.QueryDatabase(ctx, dbID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: "Thread ID",
			RichText: &notionapi.TextFilterCondition{
				Equals: threadID,
			},
		},
		PageSize: 1,
	})
	if err != nil {
		return "", eris.Wrap(err, fmt.Sprintf("notion: find project for thread %s", threadID))
	}
	if len(resp.Results) == 0 {
		return "", nil
	}
	return string(resp.Results[0].ID), nil
}

// CreateProjectPage creates the project workspace page for a signed client
// and returns its page ID. The page carries the client's contact details as
// properties and the scope of work and contract link as body content.
func CreateProjectPage(ctx context.Context, c Client, in ProjectInput) (string, error) {
	req := &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(in.DatabaseID),
		},
		Properties: buildProjectProperties(in),
		Children:   buildProjectBlocks(in),
	}

	page, err := c.CreatePage(ctx, req)
	if err != nil {
		return "", eris.Wrap(err, fmt.Sprintf("notion: create project page for thread %s", in.ThreadID))
	}
	return string(page.ID), nil
}

func buildProjectProperties(in ProjectInput) notionapi.Properties {
	props := make(notionapi.Properties)

	props["Name"] = notionapi.TitleProperty{
		Type: notionapi.PropertyTypeTitle,
		Title: []notionapi.RichText{
			{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: in.ClientName}},
		},
	}
	props["Status"] = notionapi.SelectProperty{
		Type:   notionapi.PropertyTypeSelect,
		Select: notionapi.Option{Name: "Kickoff"},
	}
	props["Thread ID"] = notionapi.RichTextProperty{
		Type: notionapi.PropertyTypeRichText,
		RichText: []notionapi.RichText{
			{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: in.ThreadID}},
		},
	}

	if in.ClientEmail != "" {
		props["Email"] = notionapi.EmailProperty{
			Type:  notionapi.PropertyTypeEmail,
			Email: in.ClientEmail,
		}
	}
	if in.OrgID != "" {
		props["Portal Org"] = notionapi.RichTextProperty{
			Type: notionapi.PropertyTypeRichText,
			RichText: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: in.OrgID}},
			},
		}
	}
	if in.ProjectType != "" {
		props["Project Type"] = notionapi.SelectProperty{
			Type:   notionapi.PropertyTypeSelect,
			Select: notionapi.Option{Name: in.ProjectType},
		}
	}
	if in.Budget != "" {
		props["Budget"] = notionapi.RichTextProperty{
			Type: notionapi.PropertyTypeRichText,
			RichText: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: in.Budget}},
			},
		}
	}
	if in.Timeline != "" {
		props["Timeline"] = notionapi.RichTextProperty{
			Type: notionapi.PropertyTypeRichText,
			RichText: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: in.Timeline}},
			},
		}
	}
	if in.ContractURL != "" {
		props["Contract"] = notionapi.URLProperty{
			Type: notionapi.PropertyTypeURL,
			URL:  in.ContractURL,
		}
	}

	return props
}

func buildProjectBlocks(in ProjectInput) []notionapi.Block {
	var blocks []notionapi.Block

	if in.ScopeOfWork != "" {
		blocks = append(blocks, &notionapi.Heading2Block{
			BasicBlock: notionapi.BasicBlock{
				Object: notionapi.ObjectTypeBlock,
				Type:   notionapi.BlockTypeHeading2,
			},
			Heading2: notionapi.Heading{
				RichText: []notionapi.RichText{
					{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: "Scope of Work"}},
				},
			},
		})
		for _, chunk := range chunkText(in.ScopeOfWork, maxRichTextLen) {
			blocks = append(blocks, &notionapi.ParagraphBlock{
				BasicBlock: notionapi.BasicBlock{
					Object: notionapi.ObjectTypeBlock,
					Type:   notionapi.BlockTypeParagraph,
				},
				Paragraph: notionapi.Paragraph{
					RichText: []notionapi.RichText{
						{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: chunk}},
					},
				},
			})
		}
	}

	if in.ContractURL != "" {
		blocks = append(blocks, &notionapi.BookmarkBlock{
			BasicBlock: notionapi.BasicBlock{
				Object: notionapi.ObjectTypeBlock,
				Type:   notionapi.BlockTypeBookmark,
			},
			Bookmark: notionapi.Bookmark{
				URL: in.ContractURL,
				Caption: []notionapi.RichText{
					{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: "Signed contract"}},
				},
			},
		})
	}

	return blocks
}

// chunkText splits s into pieces of at most n bytes, breaking on rune
// boundaries.
func chunkText(s string, n int) []string {
	if len(s) <= n {
		return []string{s}
	}
	var chunks []string
	runes := []rune(s)
	for start := 0; start < len(runes); {
		end := start + n
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		start = end
	}
	return chunks
}

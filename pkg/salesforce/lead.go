package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Lead stage values mirrored into the CRM as the onboarding pipeline
// progresses.
const (
	LeadStageNew         = "New"
	LeadStageMeeting     = "Meeting Scheduled"
	LeadStageProposal    = "Proposal"
	LeadStageContract    = "Contract Sent"
	LeadStageClosedWon   = "Closed Won"
	LeadStageDisposition = "Disqualified"
)

// Lead holds the CRM fields written for an onboarding prospect.
type Lead struct {
	ID        string `json:"Id,omitempty"`
	FirstName string `json:"FirstName"`
	LastName  string `json:"LastName"`
	Email     string `json:"Email"`
	Phone     string `json:"Phone,omitempty"`
	Company   string `json:"Company"`
	Source    string `json:"LeadSource,omitempty"`
	Status    string `json:"Status,omitempty"`
}

type leadRecord struct {
	ID string `json:"Id"`
}

// FindLeadByEmail returns the ID of the lead with the given email, or ""
// when none exists.
func FindLeadByEmail(ctx context.Context, c Client, email string) (string, error) {
	soql := fmt.Sprintf("SELECT Id FROM Lead WHERE Email = '%s' LIMIT 1", escapeSOQL(email))

	var result QueryResult[leadRecord]
	if err := c.Query(ctx, soql, &result); err != nil {
		return "", eris.Wrap(err, "sf: find lead by email")
	}
	if len(result.Records) == 0 {
		return "", nil
	}
	return result.Records[0].ID, nil
}

// UpsertLead inserts a lead, or returns the existing ID when one with the
// same email already exists. The email match makes lead creation idempotent
// across pipeline retries.
func UpsertLead(ctx context.Context, c Client, lead Lead) (string, error) {
	if lead.Email != "" {
		id, err := FindLeadByEmail(ctx, c, lead.Email)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}

	record := map[string]any{
		"FirstName":  lead.FirstName,
		"LastName":   lead.LastName,
		"Email":      lead.Email,
		"Company":    lead.Company,
		"LeadSource": lead.Source,
		"Status":     lead.Status,
	}
	if lead.Phone != "" {
		record["Phone"] = lead.Phone
	}

	id, err := c.InsertOne(ctx, "Lead", record)
	if err != nil {
		return "", eris.Wrap(err, "sf: upsert lead")
	}
	return id, nil
}

// UpdateLeadStatus advances the lead's CRM status.
func UpdateLeadStatus(ctx context.Context, c Client, leadID, status string) error {
	if err := c.UpdateOne(ctx, "Lead", leadID, map[string]any{"Status": status}); err != nil {
		return eris.Wrap(err, fmt.Sprintf("sf: update lead status %s", leadID))
	}
	return nil
}

// SplitName breaks a display name into first and last parts. Salesforce
// requires LastName, so a single-token name lands there.
func SplitName(full string) (first, last string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", "Unknown"
	case 1:
		return "", parts[0]
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

// escapeSOQL escapes single quotes and backslashes in a SOQL string literal.
func escapeSOQL(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

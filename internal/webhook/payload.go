package webhook

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/onboarding-cli/internal/model"
)

// EventInviteeCreated is the only provider event that starts a thread.
const EventInviteeCreated = "invitee.created"

// sourceCalendly tags threads started from the scheduling webhook.
const sourceCalendly = "Calendly"

// InviteePayload is the provider's invitee event shape. Only the fields the
// pipeline consumes are modeled; unknown fields are ignored.
type InviteePayload struct {
	Event   string `json:"event"`
	Payload struct {
		URI                string `json:"uri"`
		Name               string `json:"name"`
		FirstName          string `json:"first_name"`
		LastName           string `json:"last_name"`
		Email              string `json:"email"`
		TextReminderNumber string `json:"text_reminder_number"`
		Event              struct {
			StartTime *time.Time `json:"start_time"`
		} `json:"event"`
	} `json:"payload"`
}

// ParsePayload decodes a raw webhook body.
func ParsePayload(body []byte) (*InviteePayload, error) {
	var p InviteePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, eris.Wrap(err, "webhook: decode payload")
	}
	return &p, nil
}

var titleCaser = cases.Title(language.English)

// MapInviteeCreated builds the initial checkpoint for an invitee.created
// payload. Returns nil when the payload carries no email; such events are
// acknowledged without starting a thread.
func MapInviteeCreated(p *InviteePayload, now time.Time) *model.PipelineState {
	email := strings.TrimSpace(strings.ToLower(p.Payload.Email))
	if email == "" {
		return nil
	}

	name := strings.TrimSpace(p.Payload.Name)
	if name == "" {
		name = strings.TrimSpace(p.Payload.FirstName + " " + p.Payload.LastName)
	}
	name = titleCaser.String(strings.ToLower(name))

	return model.NewLeadState(
		threadIDFor(p),
		name,
		email,
		strings.TrimSpace(p.Payload.TextReminderNumber),
		sourceCalendly,
		p.Payload.Event.StartTime,
		now,
	)
}

// threadIDFor derives a stable thread id from the invitee URI so the
// provider's at-least-once redelivery maps onto the store's insert-only
// create instead of a second thread. Payloads without a URI get a random id.
func threadIDFor(p *InviteePayload) string {
	uri := strings.TrimRight(strings.TrimSpace(p.Payload.URI), "/")
	if uri == "" {
		return uuid.New().String()
	}
	if i := strings.LastIndexByte(uri, '/'); i >= 0 {
		uri = uri[i+1:]
	}
	return "cal-" + uri
}

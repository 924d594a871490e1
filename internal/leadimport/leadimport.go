// Package leadimport bulk-starts onboarding threads from a spreadsheet of
// leads, one thread per row.
package leadimport

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/onboarding-cli/internal/model"
	"github.com/sells-group/onboarding-cli/internal/webhook"
)

// Result summarizes one import run.
type Result struct {
	Started int
	Skipped int
}

// expected header names, matched case-insensitively. Meeting is optional and
// parsed as RFC 3339.
const (
	colName    = "name"
	colEmail   = "email"
	colPhone   = "phone"
	colSource  = "source"
	colMeeting = "meeting"
)

// Import reads the spreadsheet at path and starts a thread per data row.
// Rows without an email are skipped, not fatal; a malformed header is.
func Import(ctx context.Context, eng webhook.Advancer, path string, opts XLSXOptions) (Result, error) {
	var res Result

	rows, err := readXLSX(path, opts)
	if err != nil {
		return res, err
	}
	if len(rows) == 0 {
		return res, eris.New("leadimport: spreadsheet is empty")
	}

	cols, err := mapHeader(rows[0])
	if err != nil {
		return res, err
	}

	now := time.Now().UTC()
	for i, row := range rows[1:] {
		lead := readRow(row, cols)
		if lead.email == "" {
			zap.L().Warn("skipping row without email", zap.Int("row", i+2))
			res.Skipped++
			continue
		}

		source := lead.source
		if source == "" {
			source = "Import"
		}

		threadID := uuid.New().String()
		initial := model.NewLeadState(threadID, lead.name, lead.email, lead.phone, source, lead.meeting, now)

		if _, err := eng.Advance(ctx, threadID, model.Trigger{
			Kind:    model.TriggerStart,
			Initial: initial,
			Source:  model.AdminSource(""),
		}); err != nil {
			return res, eris.Wrapf(err, "leadimport: start thread for row %d", i+2)
		}
		res.Started++
	}

	return res, nil
}

type leadRow struct {
	name    string
	email   string
	phone   string
	source  string
	meeting *time.Time
}

func mapHeader(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols[colEmail]; !ok {
		return nil, eris.New("leadimport: header has no email column")
	}
	return cols, nil
}

func readRow(row []string, cols map[string]int) leadRow {
	get := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	lead := leadRow{
		name:   get(colName),
		email:  strings.ToLower(get(colEmail)),
		phone:  get(colPhone),
		source: get(colSource),
	}
	if raw := get(colMeeting); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			utc := t.UTC()
			lead.meeting = &utc
		} else {
			zap.L().Warn("unparseable meeting time, ignoring", zap.String("value", raw))
		}
	}
	return lead
}

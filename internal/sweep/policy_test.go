package sweep

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/onboarding-cli/internal/engine"
	"github.com/sells-group/onboarding-cli/internal/model"
	"github.com/sells-group/onboarding-cli/internal/store"
)

const policyYAML = `reminders:
  defaults:
    stale_hours: 48
    max_reminders: 3
  stages:
    contract_sent:
      stale_hours: 24
    portal_invited:
      remind: false
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reminders.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy(writePolicy(t, policyYAML))
	require.NoError(t, err)

	assert.Equal(t, 48, p.Defaults.StaleHours)

	sent := p.Rule(model.StageContractSent)
	assert.Equal(t, 24, sent.StaleHours)
	assert.Equal(t, 3, sent.MaxReminders, "unset fields fall back to defaults")

	sched := p.Rule(model.StageMeetingScheduled)
	assert.Equal(t, 48, sched.StaleHours)
}

func TestLoadPolicyUnknownStage(t *testing.T) {
	_, err := LoadPolicy(writePolicy(t, "reminders:\n  stages:\n    shipped: {stale_hours: 1}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestPolicyGroups(t *testing.T) {
	p, err := LoadPolicy(writePolicy(t, policyYAML))
	require.NoError(t, err)

	groups := p.groups()

	var stages []model.Stage
	for _, g := range groups {
		stages = append(stages, g...)
	}
	assert.NotContains(t, stages, model.StagePortalInvited, "remind: false excludes the stage")
	assert.Contains(t, stages, model.StageContractSent)
	assert.Len(t, stages, len(engine.RemindableStages)-1)

	// contract_sent has its own rule, so it sits in its own bucket.
	for rule, g := range groups {
		if rule.StaleHours == 24 {
			assert.Equal(t, []model.Stage{model.StageContractSent}, g)
		}
	}
}

func TestRunHonorsStagePolicy(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()

	// 30 hours idle: stale under contract_sent's 24h rule, fresh under the
	// 48h default.
	idle := time.Now().UTC().Add(-30 * time.Hour)
	seedThread(t, s, "t-sent", model.StageContractSent, idle, 0)
	seedThread(t, s, "t-sched", model.StageMeetingScheduled, idle, 0)
	seedThread(t, s, "t-portal", model.StagePortalInvited, time.Now().UTC().Add(-200*time.Hour), 0)

	p, err := LoadPolicy(writePolicy(t, policyYAML))
	require.NoError(t, err)

	eng := engine.New(engine.Deps{Store: s}, engine.Config{MaxReminders: 3})
	r := New(s, eng, Config{StaleAfter: 48 * time.Hour, MaxReminders: 3, Parallel: 2, Policy: p})

	nudged, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, nudged)

	st, err := s.GetThread(ctx, "t-sent")
	require.NoError(t, err)
	assert.Equal(t, 1, st.ReminderCount)

	for _, id := range []string{"t-sched", "t-portal"} {
		st, err := s.GetThread(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, st.ReminderCount, id)
	}
}

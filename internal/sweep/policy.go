package sweep

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/onboarding-cli/internal/engine"
	"github.com/sells-group/onboarding-cli/internal/model"
)

// Policy sets per-stage reminder thresholds. Stages not listed use the
// defaults; stages listed with remind: false are never swept.
type Policy struct {
	Defaults PolicyRule            `yaml:"defaults"`
	Stages   map[string]PolicyRule `yaml:"stages"`
}

// PolicyRule is one stage's reminder tuning.
type PolicyRule struct {
	StaleHours   int   `yaml:"stale_hours"`
	MaxReminders int   `yaml:"max_reminders"`
	Remind       *bool `yaml:"remind,omitempty"`
}

// LoadPolicy reads a reminder policy from a YAML file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "sweep: read policy %s", path)
	}

	// The YAML has a top-level "reminders" key.
	var wrapper struct {
		Reminders Policy `yaml:"reminders"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "sweep: parse policy")
	}

	p := &wrapper.Reminders
	for name := range p.Stages {
		if !model.Stage(name).Valid() {
			return nil, eris.Errorf("sweep: policy names unknown stage %q", name)
		}
	}
	return p, nil
}

// DefaultPolicy returns a policy that applies cfg uniformly to every
// remindable stage.
func DefaultPolicy(cfg Config) *Policy {
	return &Policy{Defaults: PolicyRule{
		StaleHours:   int(cfg.StaleAfter / time.Hour),
		MaxReminders: cfg.MaxReminders,
	}}
}

// Rule returns the effective rule for a stage, with defaults filled in.
func (p *Policy) Rule(stage model.Stage) PolicyRule {
	rule, ok := p.Stages[string(stage)]
	if !ok {
		return p.Defaults
	}
	if rule.StaleHours <= 0 {
		rule.StaleHours = p.Defaults.StaleHours
	}
	if rule.MaxReminders <= 0 {
		rule.MaxReminders = p.Defaults.MaxReminders
	}
	return rule
}

// groups buckets the remindable stages by identical effective rule so each
// bucket is one stalled-thread query.
func (p *Policy) groups() map[PolicyRule][]model.Stage {
	out := make(map[PolicyRule][]model.Stage)
	for _, stage := range engine.RemindableStages {
		rule := p.Rule(stage)
		if rule.Remind != nil && !*rule.Remind {
			continue
		}
		rule.Remind = nil
		out[rule] = append(out[rule], stage)
	}
	return out
}

package main

import (
	"context"
	"os"
	"time"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/onboarding-cli/internal/engine"
	"github.com/sells-group/onboarding-cli/internal/store"
	"github.com/sells-group/onboarding-cli/internal/sweep"
	"github.com/sells-group/onboarding-cli/internal/webhook"
	anthropicpkg "github.com/sells-group/onboarding-cli/pkg/anthropic"
	"github.com/sells-group/onboarding-cli/pkg/esign"
	"github.com/sells-group/onboarding-cli/pkg/notion"
	"github.com/sells-group/onboarding-cli/pkg/portal"
	sfpkg "github.com/sells-group/onboarding-cli/pkg/salesforce"
)

// appEnv holds the initialized store, engine, and workers shared by the
// serve/start/approve/sweep commands.
type appEnv struct {
	Store      store.Store
	Engine     *engine.Engine
	Dispatcher *webhook.Dispatcher
	Sweep      *sweep.Runner
}

// Close flushes the async dispatcher and releases the store.
func (env *appEnv) Close() {
	if env.Dispatcher != nil {
		env.Dispatcher.Close()
	}
	if env.Store != nil {
		_ = env.Store.Close()
	}
}

// initEnv sets up the store, provider clients, and engine. Callers should
// defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	esignClient := esign.NewClient(cfg.Esign.APIKey,
		esign.WithBaseURL(cfg.Esign.BaseURL),
		esign.WithTimeout(time.Duration(cfg.Esign.TimeoutSecs)*time.Second),
	)
	portalClient := portal.NewClient(cfg.Portal.APIKey, cfg.Portal.BaseURL,
		portal.WithTimeout(time.Duration(cfg.Portal.TimeoutSecs)*time.Second),
	)
	if cfg.Portal.BaseURL == "" {
		zap.L().Warn("portal base URL not set, portal invites will fail")
	}
	notionClient := notion.NewClient(cfg.Notion.Token)
	if cfg.Notion.ProjectsDB == "" {
		zap.L().Warn("notion projects DB not set, workspace creation will fail")
	}

	sfClient, err := initSalesforce()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	// Scope drafting is optional. Without a key the engine falls back to the
	// built-in template.
	var llm anthropicpkg.Client
	if cfg.Anthropic.Key != "" {
		llm = anthropicpkg.NewClient(cfg.Anthropic.Key)
	} else {
		zap.L().Info("ONBOARD_ANTHROPIC_KEY not set, scope drafting uses template")
	}

	eng := engine.New(engine.Deps{
		Store:      st,
		Esign:      esignClient,
		Portal:     portalClient,
		Notion:     notionClient,
		Salesforce: sfClient,
		Anthropic:  llm,
	}, engine.Config{
		NotionProjectsDB: cfg.Notion.ProjectsDB,
		DraftModel:       cfg.Anthropic.Model,
		MaxReminders:     cfg.Reminder.MaxCount,
	})

	var policy *sweep.Policy
	if cfg.Reminder.PolicyPath != "" {
		policy, err = sweep.LoadPolicy(cfg.Reminder.PolicyPath)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		zap.L().Info("reminder policy loaded", zap.String("path", cfg.Reminder.PolicyPath))
	}

	return &appEnv{
		Store:      st,
		Engine:     eng,
		Dispatcher: webhook.NewDispatcher(eng, st, cfg.Server.DispatchWorkers),
		Sweep: sweep.New(st, eng, sweep.Config{
			StaleAfter:   time.Duration(cfg.Reminder.StaleHours) * time.Hour,
			MaxReminders: cfg.Reminder.MaxCount,
			Parallel:     cfg.Reminder.SweepParallel,
			Policy:       policy,
		}),
	}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "onboarding.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initSalesforce builds the optional CRM client. Returns nil when no client
// ID is configured; lead sync is then skipped.
func initSalesforce() (sfpkg.Client, error) {
	if cfg.Salesforce.ClientID == "" {
		zap.L().Info("ONBOARD_SALESFORCE_CLIENT_ID not set, CRM sync disabled")
		return nil, nil
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.Salesforce.LoginURL,
		Username:       cfg.Salesforce.Username,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}

	return sfpkg.NewClient(sf), nil
}

package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/onboarding-cli/internal/server"
	"github.com/sells-group/onboarding-cli/internal/webhook"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook and admin API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		srv := server.New(server.Options{
			Store:       env.Store,
			Engine:      env.Engine,
			Verifier:    webhook.NewVerifier(cfg.Calendly.WebhookSecret, time.Duration(cfg.Calendly.ToleranceSecs)*time.Second),
			Dispatcher:  env.Dispatcher,
			AdminToken:  cfg.Server.AdminToken,
			CORSOrigins: cfg.Server.CORSOrigins,
			EsignSecret: cfg.Esign.WebhookSecret,
		})

		// Reminder sweep runs alongside the server.
		interval := time.Duration(cfg.Reminder.IntervalMins) * time.Minute
		go env.Sweep.Start(ctx, interval)
		zap.L().Info("reminder sweep scheduled", zap.Duration("interval", interval))

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		return srv.Run(ctx, port)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/partner/internal/agent"
	"github.com/haasonsaas/partner/internal/approval"
	"github.com/haasonsaas/partner/internal/remote"
	"github.com/spf13/cobra"
)

func buildServeCmd(flags *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent over a websocket for remote control",
		Long: `Serve the agent on /ws so a browser or phone can send messages,
stop runs and answer approvals. /metrics and /healthz are served alongside.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from remote.listen)")
	return cmd
}

func runServe(cmd *cobra.Command, flags *globalFlags, listen string) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Remote.Listen = listen
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	hub := remote.NewHub(a.logger)
	var srv *remote.Server
	// the web clients answer approvals unless a chat transport is configured
	webApprovals := approval.ChannelFunc(func(ctx context.Context, p *approval.Pending) error {
		return srv.RequestDecision(ctx, p)
	})
	ctrl, err := a.newController(controllerOptions{
		Callbacks: hub.Callbacks(logCallbacks(a)),
		Channel:   webApprovals,
	})
	if err != nil {
		return err
	}
	srv = remote.NewServer(ctrl, hub, remote.Config{
		Token:          cfg.Remote.Token,
		AllowedOrigins: cfg.Remote.AllowedOrigins,
		Logger:         a.logger,
	})
	defer srv.Close()

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", a.metrics.Handler())
	if cfg.Observability.MetricsAddr != "" && cfg.Observability.MetricsAddr != cfg.Remote.Listen {
		a.serveMetrics(cfg.Observability.MetricsAddr)
	}

	ln, err := net.Listen("tcp", cfg.Remote.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Remote.Listen, err)
	}
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()

	a.logger.Info("remote control listening",
		"addr", ln.Addr().String(),
		"auth", cfg.Remote.Token != "",
		"approval_mode", cfg.Approval.Mode,
	)
	fmt.Fprintf(cmd.OutOrStdout(), "listening on ws://%s/ws\n", ln.Addr())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	ctrl.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// logCallbacks records run progress in the log for headless use.
func logCallbacks(a *app) agent.Callbacks {
	return agent.Callbacks{
		OnError: func(err error) {
			a.logger.Error("run failed", "error", err)
		},
		OnTitle: func(title string) {
			a.logger.Info("conversation titled", "title", title)
		},
	}
}

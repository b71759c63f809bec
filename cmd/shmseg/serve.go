package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/srediag/shmseg/internal/logging"
	"github.com/srediag/shmseg/pkg/audit"
	"github.com/srediag/shmseg/pkg/health"
	"github.com/srediag/shmseg/pkg/lifecycle"
	"github.com/srediag/shmseg/pkg/shm"
)

const shutdownTimeout = 10 * time.Second

var serveLogger = logging.New("serve", os.Stderr)

func init() {
	rootCmd.AddCommand(newServeCmd())
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the configured segments and expose health and metrics",
		Long: `The serve command opens every segment listed in the configuration file,
keeps them alive and serves /live, /ready, /metrics and /segments over HTTP.
Segments are closed when the process receives SIGINT or SIGTERM.

Example:
  shmseg serve --config /etc/shmseg/shmseg.yaml
  shmseg serve --config shmseg.yaml --listen :9477`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := lifecycle.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if dir != "" {
				cfg.Dir = dir
			}
			if logLevel == "" {
				lvl, _ := logging.ParseLevel(cfg.LogLevel)
				logging.SetLogLevel(lvl)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "shmseg.yaml", "Path to the YAML configuration")
	cmd.Flags().StringVar(&listen, "listen", "", "Override the listen address")
	return cmd
}

// server owns the hosted segments and the HTTP handler exposing them.
type server struct {
	cfg     lifecycle.Config
	host    *lifecycle.Host
	handler http.Handler
}

func newServer(ctx context.Context, cfg lifecycle.Config) (*server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	base := shm.DefaultOpenOptions("")
	if cfg.Dir != "" {
		base.Dir = cfg.Dir
	}
	base.Metrics = shm.NewMetrics(reg)
	base.Audit = audit.NewLogAuditor()

	host := lifecycle.NewHost(base)
	for _, sc := range cfg.Segments {
		if err := host.StartSegment(ctx, sc); err != nil {
			_ = host.Close()
			return nil, fmt.Errorf("start segment %q: %w", sc.Name, err)
		}
	}

	s := &server{cfg: cfg, host: host}
	hc := health.NewHandler(host.Registry(), health.Options{
		LockTimeout: cfg.LockTimeout,
		Registerer:  reg,
		Namespace:   "shmseg",
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/live", hc.LiveEndpoint)
	mux.HandleFunc("/ready", hc.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/segments", s.listSegments)
	s.handler = mux
	return s, nil
}

func (s *server) listSegments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.LockTimeout+time.Second)
	defer cancel()

	infos := make([]shm.Info, 0, len(s.cfg.Segments))
	for _, name := range s.host.Names() {
		seg, ok := s.host.Segment(name)
		if !ok {
			continue
		}
		info, err := seg.Info(ctx)
		if err != nil {
			http.Error(w, fmt.Sprintf("segment %s: %v", name, err), http.StatusServiceUnavailable)
			return
		}
		infos = append(infos, info)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := printJSON(w, infos); err != nil {
		serveLogger.Warnf("write /segments response failed: %v", err)
	}
}

func (s *server) Close() error {
	return s.host.Close()
}

func runServe(ctx context.Context, out io.Writer, cfg lifecycle.Config) error {
	s, err := newServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			serveLogger.Errorf("close segments failed: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	printInfo(out, "Serving %d segments on %s\n", len(cfg.Segments), cfg.Listen)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	printInfo(out, "Stopped\n")
	return nil
}

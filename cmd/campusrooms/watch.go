package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	campusrooms "github.com/campusrooms/campusrooms-go"
)

var watchMetricsListen string

func init() {
	watchCmd.Flags().StringVar(&watchMetricsListen, "metrics-listen", "", "Serve Prometheus metrics on this address (default [metrics] listen)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print realtime alerts and unread badges",
	Long: "Open a realtime session for the stored login, print an alert for every pushed event,\n" +
		"and keep unread badges current until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := getAuthClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics := campusrooms.NewMetrics(reg)

		out := &watchPrinter{w: os.Stdout}
		session, err := newSession(cfg, campusrooms.AlerterFunc(out.alert), metrics)
		if err != nil {
			return err
		}
		defer session.Close()

		session.Connection.OnStatusChange(out.status)
		unsubscribe := session.Cache.Subscribe(func(key campusrooms.QueryKey) {
			switch key.Root() {
			case campusrooms.KeyConversations.Root(), campusrooms.KeyNotifications.Root():
				out.unread(session.Unread())
			}
		})
		defer unsubscribe()

		listen := valueOrDefault(watchMetricsListen, cfg.Metrics.Listen)
		if listen != "" {
			srv := metricsServer(listen, reg)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("metrics server failed", "addr", listen, "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Metrics on http://%s/metrics\n", listen)
		}

		loginCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		id, err := session.Login(loginCtx, cfg.Auth.Token)
		cancel()
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		fmt.Printf("Watching as %s (%s). Press Ctrl+C to stop.\n", id.DisplayName, id.Role)
		out.unread(session.Unread())

		<-ctx.Done()
		fmt.Println("\nStopping.")
		return nil
	},
}

func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// watchPrinter serializes terminal output from realtime callbacks.
type watchPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	last campusrooms.UnreadSnapshot
	seen bool
}

func (p *watchPrinter) alert(level campusrooms.AlertLevel, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s [%s] %s\n", time.Now().Format("15:04:05"), level, text)
}

func (p *watchPrinter) status(s campusrooms.ConnectionStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s realtime %s\n", time.Now().Format("15:04:05"), s)
}

// unread prints the badges when they differ from the last printed ones.
func (p *watchPrinter) unread(s campusrooms.UnreadSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen && s == p.last {
		return
	}
	p.last, p.seen = s, true
	fmt.Fprintf(p.w, "unread: messages %s, notifications %s\n", s.MessagesBadge, s.NotificationsBadge)
}

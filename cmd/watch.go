// cmd/watch.go
package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"

	"github.com/markb/rtmux/internal/log"
	"github.com/markb/rtmux/internal/observability"
	"github.com/markb/rtmux/internal/phx"
	"github.com/markb/rtmux/internal/realtime"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Subscribe to realtime channels and serve health endpoints",
	Long: `Connects to a Supabase-compatible realtime backend, subscribes to the
given tables, presence channels, and broadcast channels, logs every
delivered event, and serves connection health and metrics over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logCfg := log.DefaultConfig()
		logCfg.Level, _ = cmd.Flags().GetString("log-level")
		logCfg.Format, _ = cmd.Flags().GetString("log-format")
		log.Init(logCfg)

		obsCfg := buildObsConfig(cmd)
		tel, cleanup, err := observability.Init(cmd.Context(), obsCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer cleanup()

		phxCfg, err := buildPhxConfig(cmd)
		if err != nil {
			return err
		}

		client, err := phx.Dial(cmd.Context(), phxCfg)
		if err != nil {
			return err
		}
		defer client.Close()

		var opts []realtime.Option
		if tel.Metrics() != nil {
			opts = append(opts, realtime.WithMetrics(tel.Metrics()))
		}
		mgr := realtime.New(client, opts...)
		defer mgr.Destroy()

		if err := subscribeAll(cmd, mgr); err != nil {
			return err
		}

		// Manual reconnect supervisor: the manager never retries on its
		// own, so recover errored channels on each health notification.
		reconnect, _ := cmd.Flags().GetBool("reconnect")
		if reconnect {
			mgr.OnHealthChange(func(h realtime.ConnectionHealth) {
				for key, snap := range mgr.AllMetrics() {
					if snap.Status == realtime.ChannelError {
						mgr.ReconnectChannel(key)
					}
				}
			})
		}

		httpAddr, _ := cmd.Flags().GetString("http")
		if httpAddr != "" {
			go serveHTTP(httpAddr, mgr)
		}

		fmt.Printf("rtmux watching %s\n", phxCfg.URL)
		if httpAddr != "" {
			fmt.Printf("  Health: http://%s/health\n", httpAddr)
			fmt.Printf("  Metrics: http://%s/metrics\n", httpAddr)
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Info("watch: shutting down")
		return nil
	},
}

// buildPhxConfig creates a phx.Config from environment variables and
// CLI flags. Priority: CLI flags > environment variables.
func buildPhxConfig(cmd *cobra.Command) (phx.Config, error) {
	cfg := phx.Config{
		URL:       os.Getenv("RTMUX_URL"),
		APIKey:    os.Getenv("RTMUX_API_KEY"),
		Token:     os.Getenv("RTMUX_TOKEN"),
		JWTSecret: os.Getenv("RTMUX_JWT_SECRET"),
	}
	if v, _ := cmd.Flags().GetString("url"); v != "" {
		cfg.URL = v
	}
	if v, _ := cmd.Flags().GetString("apikey"); v != "" {
		cfg.APIKey = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cfg.Token = v
	}
	if v, _ := cmd.Flags().GetString("jwt-secret"); v != "" {
		cfg.JWTSecret = v
	}
	if cfg.URL == "" {
		return cfg, fmt.Errorf("no server URL: pass --url or set RTMUX_URL")
	}
	return cfg, nil
}

func buildObsConfig(cmd *cobra.Command) *observability.Config {
	cfg := observability.NewConfig()
	if v := os.Getenv("RTMUX_OTEL_EXPORTER"); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv("RTMUX_OTEL_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v, _ := cmd.Flags().GetString("otel-exporter"); v != "" {
		cfg.Exporter = v
	}
	if v, _ := cmd.Flags().GetString("otel-endpoint"); v != "" {
		cfg.Endpoint = v
	}
	return cfg
}

// subscribeAll registers the subscriptions requested on the command
// line. Table specs are "table" or "table:filter"; broadcast specs are
// "channel:event1,event2".
func subscribeAll(cmd *cobra.Command, mgr *realtime.Manager) error {
	tables, _ := cmd.Flags().GetStringArray("table")
	for _, spec := range tables {
		table, filter := parseTableSpec(spec)
		mgr.SubscribeToTable(table, realtime.TableOptions{
			Filter: filter,
			OnChange: func(ev realtime.ChangeEvent) {
				log.Info("change", "table", ev.Table, "type", ev.EventType, "new", ev.New, "old", ev.Old)
			},
		})
	}

	presences, _ := cmd.Flags().GetStringArray("presence")
	presenceKey, _ := cmd.Flags().GetString("presence-key")
	for _, name := range presences {
		mgr.SubscribeToPresence(name, realtime.PresenceOptions{
			PresenceKey: presenceKey,
			OnSync: func(state realtime.PresenceState) {
				log.Info("presence sync", "channel", name, "keys", len(state))
			},
			OnJoin: func(key string, current, joined []map[string]any) {
				log.Info("presence join", "channel", name, "key", key, "joined", len(joined))
			},
			OnLeave: func(key string, current, left []map[string]any) {
				log.Info("presence leave", "channel", name, "key", key, "left", len(left))
			},
		})
	}

	broadcasts, _ := cmd.Flags().GetStringArray("broadcast")
	for _, spec := range broadcasts {
		name, events, err := parseBroadcastSpec(spec)
		if err != nil {
			return err
		}
		mgr.SubscribeToBroadcast(name, realtime.BroadcastOptions{
			Events: events,
			OnMessage: func(event string, payload map[string]any) {
				log.Info("broadcast", "channel", name, "event", event, "payload", payload)
			},
		})
	}
	return nil
}

// parseTableSpec splits "table:filter" into table and optional filter.
func parseTableSpec(spec string) (table, filter string) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return spec, ""
}

// parseBroadcastSpec splits "channel:event1,event2" into the channel
// name and its event allow-list.
func parseBroadcastSpec(spec string) (name string, events []string, err error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", nil, fmt.Errorf("invalid broadcast spec %q: want channel:event1,event2", spec)
	}
	for _, ev := range strings.Split(parts[1], ",") {
		ev = strings.TrimSpace(ev)
		if ev != "" {
			events = append(events, ev)
		}
	}
	if len(events) == 0 {
		return "", nil, fmt.Errorf("invalid broadcast spec %q: no events", spec)
	}
	return parts[0], events, nil
}

// serveHTTP exposes health, metrics, and recent logs for dashboards.
func serveHTTP(addr string, mgr *realtime.Manager) {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, mgr.Health())
	})
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, mgr.AllMetrics())
	})
	r.Get("/logs", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, log.BufferedLines(100))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("watch: http server failed", "error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func init() {
	watchCmd.Flags().String("url", "", "server base URL, e.g. ws://localhost:8000")
	watchCmd.Flags().String("apikey", "", "API key sent on the websocket handshake")
	watchCmd.Flags().String("token", "", "access token for channel joins")
	watchCmd.Flags().String("jwt-secret", "", "shared secret for minting a local anon token")
	watchCmd.Flags().StringArray("table", nil, "table to watch, optionally table:filter (repeatable)")
	watchCmd.Flags().StringArray("presence", nil, "presence channel to join (repeatable)")
	watchCmd.Flags().String("presence-key", "rtmux", "presence key for this client")
	watchCmd.Flags().StringArray("broadcast", nil, "broadcast channel spec channel:event1,event2 (repeatable)")
	watchCmd.Flags().Bool("reconnect", false, "reconnect errored channels on health notifications")
	watchCmd.Flags().String("http", "localhost:8089", "address for health endpoints, empty to disable")
	watchCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	watchCmd.Flags().String("log-format", "text", "log format: text or json")
	watchCmd.Flags().String("otel-exporter", "", "metrics exporter: none, stdout, otlp")
	watchCmd.Flags().String("otel-endpoint", "", "OTLP gRPC endpoint")

	rootCmd.AddCommand(watchCmd)
}

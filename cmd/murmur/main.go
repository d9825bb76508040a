package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/halcyonsky/murmur/conversation"
	"github.com/halcyonsky/murmur/dispatch"
	"github.com/halcyonsky/murmur/internal/profile"
	"github.com/halcyonsky/murmur/internal/version"
	"github.com/halcyonsky/murmur/kernel"
	"github.com/halcyonsky/murmur/metrics"
	"github.com/halcyonsky/murmur/plugins/webhook"
	"github.com/halcyonsky/murmur/provider"
	"github.com/halcyonsky/murmur/realtime"
)

var rootCmd = &cobra.Command{
	Use:   `murmur`,
	Short: `A headless conversation core for desktop assistants: streams model replies, dispatches commands, keeps context.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Only load .env for direct binary execution (not when running as systemd service)
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	RunE: func(_ *cobra.Command, args []string) error {
		instanceProfile := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Data:    viper.GetString("data"),
			Version: version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if addr := viper.GetString("metrics-addr"); addr != "" {
			instanceProfile.MetricsAddr = addr
		}
		if err := instanceProfile.Validate(); err != nil {
			return err
		}
		if !instanceProfile.IsLLMConfigured() {
			return fmt.Errorf("no LLM API key configured, set MURMUR_LLM_API_KEY")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store, err := conversation.NewSQLiteStore(instanceProfile.ContextDBPath())
		if err != nil {
			slog.Error("failed to open context store", "error", err)
			return err
		}
		defer store.Close()

		llm, err := provider.NewOpenAI(provider.Config{
			Provider: instanceProfile.LLMProvider,
			APIKey:   instanceProfile.LLMAPIKey,
			BaseURL:  instanceProfile.LLMBaseURL,
			Model:    instanceProfile.LLMModel,
			Timeout:  instanceProfile.LLMTimeout,
		})
		if err != nil {
			return err
		}

		exporter := metrics.NewPrometheusExporter(metrics.DefaultConfig())
		if instanceProfile.MetricsAddr != "" {
			go serveMetrics(instanceProfile.MetricsAddr, exporter)
		}

		sink := &consoleSink{}
		ctrl := kernel.NewController(sink)
		registry := dispatch.NewRegistry()
		if instanceProfile.WebhookURL != "" {
			registry.Register(webhook.New(instanceProfile.WebhookURL))
		}
		dispatcher := dispatch.NewDispatcher(registry, slog.Default())
		dispatcher.OnPluginError(exporter.RecordPluginError)
		k := kernel.New(kernel.Config{PID: "main"}, ctrl, llm, dispatch.JSONBlockParser{}, dispatcher, store, sink, exporter, slog.Default())

		metaID := viper.GetString("conversation")

		if instanceProfile.RealtimeURL != "" {
			loop := realtime.NewLoop(slog.Default())
			defer loop.Stop(5 * time.Second)
			rt, err := startRealtime(ctx, loop, instanceProfile, store, metaID)
			if err != nil {
				slog.Warn("realtime session unavailable, continuing text-only", "error", err)
			} else {
				defer rt.Close()
			}
		}

		c := make(chan os.Signal, 1)
		// Trigger graceful shutdown on SIGINT or SIGTERM. SIGTERM is the
		// default signal sent by `kill` and most process managers.
		signal.Notify(c, terminationSignals...)
		go func() {
			<-c
			k.Stop()
			cancel()
		}()

		printGreetings(instanceProfile)

		if msg := strings.Join(args, " "); msg != "" {
			return runTurn(ctx, k, metaID, msg)
		}
		return runInteractive(ctx, k, metaID)
	},
}

func init() {
	viper.SetDefault("mode", "dev")

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("conversation", "default", "conversation id to append turns to")
	rootCmd.PersistentFlags().String("metrics-addr", "", "prometheus listen address, empty disables the endpoint")

	for _, flag := range []string{"mode", "data", "conversation", "metrics-addr"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("murmur")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// runTurn runs a single turn and exits.
func runTurn(ctx context.Context, k *kernel.Kernel, metaID, input string) error {
	_, err := k.Send(ctx, metaID, input)
	return err
}

// runInteractive reads turns from stdin until EOF or shutdown.
func runInteractive(ctx context.Context, k *kernel.Kernel, metaID string) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			return nil
		}
		if _, err := k.Send(ctx, metaID, input); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// startRealtime opens the duplex voice session on the background loop,
// resuming the newest persisted session handle for this conversation.
// Handle and expiry updates from the provider are persisted as they arrive
// so a later start can resume.
func startRealtime(ctx context.Context, loop *realtime.Loop, p *profile.Profile, store conversation.Store, metaID string) (*realtime.Client, error) {
	history, err := store.LoadHistory(ctx, metaID)
	if err != nil {
		slog.Warn("realtime history load failed, starting a fresh session", "error", err)
		history = nil
	}

	session := map[string]any{"modalities": []string{"text", "audio"}}
	if id := realtime.LastSessionID(history); id != "" {
		session["session_id"] = id
	}
	mode := realtime.TurnModeManual
	if p.RealtimeTurnMode == "auto" {
		mode = realtime.TurnModeAuto
	}

	client, err := realtime.Connect(loop, realtime.ClientConfig{
		URL:     p.RealtimeURL,
		Mode:    mode,
		Family:  realtime.FamilyOpenAI,
		Session: session,
	})
	if err != nil {
		return nil, err
	}

	// One bookkeeping context per process carries the session handle; the
	// event watcher updates it in place as the provider rotates handles.
	bookkeeping := conversation.NewCtx(metaID, "")
	go func() {
		for ev := range client.Events() {
			if ev.SessionID != "" {
				realtime.PersistHandle(ctx, store, bookkeeping, ev.SessionID)
			}
			if ev.ExpiresAt != 0 {
				realtime.PersistExpiry(ctx, store, bookkeeping, ev.ExpiresAt)
			}
		}
	}()
	return client, nil
}

func serveMetrics(addr string, exporter *metrics.PrometheusExporter) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	slog.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics endpoint failed", "error", err)
	}
}

// consoleSink renders kernel output to stdout. Partial flushes rewrite the
// line; the final flush commits it.
type consoleSink struct {
	lastLen int
}

func (s *consoleSink) PublishStatus(st kernel.Status) {
	if st.LastErr != nil {
		fmt.Fprintf(os.Stderr, "\n[error] %v\n", st.LastErr)
	}
	if st.StatusText != "" {
		fmt.Fprintf(os.Stderr, "[%s]\n", st.StatusText)
	}
}

func (s *consoleSink) PublishOutput(pid, text string, final bool) {
	if !final {
		// Print only the yet-unseen suffix so partial flushes stream
		// naturally in a terminal.
		if len(text) > s.lastLen {
			fmt.Print(text[s.lastLen:])
			s.lastLen = len(text)
		}
		return
	}
	if len(text) > s.lastLen {
		fmt.Print(text[s.lastLen:])
	}
	s.lastLen = 0
	fmt.Println()
}

func printGreetings(p *profile.Profile) {
	fmt.Fprintf(os.Stderr, "murmur %s\n", p.Version)
	if p.IsDev() {
		fmt.Fprintln(os.Stderr, "Development mode is enabled")
	}
	fmt.Fprintf(os.Stderr, "Data directory: %s\n", p.Data)
	fmt.Fprintf(os.Stderr, "Model: %s (%s)\n", p.LLMModel, p.LLMProvider)
	if p.MetricsAddr != "" {
		fmt.Fprintf(os.Stderr, "Metrics: http://%s/metrics\n", p.MetricsAddr)
	}
	fmt.Fprintln(os.Stderr)
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

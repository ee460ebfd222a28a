package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/anthropic"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

const systemPrompt = `You are a concise, helpful assistant running in a terminal chat.
Use the available tools when they genuinely help with the request.`

func newChatCmd(configPath *string) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cfg, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

func runChat(ctx context.Context, cfg *config.Config, metricsAddr string) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	st, err := store.Open(cfg.Store.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	toolReg := tools.NewRegistry(logger)
	if cfg.Tools.Enabled {
		if err := tools.RegisterBuiltins(toolReg); err != nil {
			return err
		}
	}

	bus := events.New()
	client := anthropic.NewClient(cfg.API.BaseURL, cfg.API.APIKey, cfg.API.RequestTimeout, logger)

	orch, err := orchestrator.New(orchestrator.Options{
		Config:   cfg,
		Client:   client,
		Store:    st,
		Bus:      bus,
		Registry: toolReg,
		System:   []string{systemPrompt},
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	loaded, err := orch.LoadHistory(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("parley %s | model %s | %d messages loaded\n", version, cfg.API.Model, len(loaded))
	fmt.Println(`type a message, or /stop /history /tools /quit`)

	go renderEvents(bus)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			bus.Close()
			return nil
		case line, ok := <-lines:
			if !ok {
				bus.Close()
				return nil
			}
			if quit := handleLine(ctx, orch, line); quit {
				bus.Close()
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, orch *orchestrator.Orchestrator, line string) (quit bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit" || line == "/exit":
		return true
	case line == "/stop":
		orch.RequestStop()
		return false
	case line == "/tools":
		pending := orch.PendingTools()
		if len(pending) == 0 {
			fmt.Println("no tools running")
		} else {
			fmt.Println("still running:", strings.Join(pending, ", "))
		}
		return false
	case line == "/history":
		for _, m := range orch.History() {
			fmt.Printf("%-9s %s\n", m.Role, oneline(m.FirstText()))
		}
		return false
	}

	if err := orch.SendUser(ctx, line); err != nil {
		if errors.Is(err, orchestrator.ErrBusy) {
			fmt.Println("(a request is already running; /stop to cancel it)")
			return false
		}
		fmt.Println("error:", err)
	}
	return false
}

// renderEvents prints the streaming reply as it arrives.
func renderEvents(bus *events.Bus) {
	for ev := range bus.Events() {
		switch ev.Kind {
		case models.StreamContentBlockDelta:
			if ev.Tag == "thinking" {
				continue
			}
			fmt.Print(ev.Content)
		case models.StreamStatus:
			if strings.HasPrefix(ev.Content, "tool '") {
				fmt.Printf("\n(%s)\n", ev.Content)
			}
		case models.StreamWarning:
			fmt.Printf("\n(warning: %s)\n", ev.Content)
		case models.StreamError:
			fmt.Printf("\n(error: %s)\n", ev.Content)
		case models.StreamCancelled:
			fmt.Printf("\n(%s)\n", ev.Content)
		case models.StreamInteractionComplete:
			fmt.Println()
		}
	}
}

func oneline(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 100 {
		s = s[:100] + "…"
	}
	return s
}

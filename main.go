package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"dashfetch/internal/cache"
	"dashfetch/internal/config"
	"dashfetch/internal/normalize"
	"dashfetch/internal/ratelimit"
	"dashfetch/internal/widget"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if len(cfg.Widgets) == 0 {
		log.Fatal("No widgets configured: add a widgets section to dashboard.yaml")
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupt signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	// One shared cache for every widget; widgets pointing at the same URL
	// share fetches and coalesce their refresh intervals.
	limiter := ratelimit.New(cfg.RateLimitPerSec, cfg.RateLimitBurst)
	shared := cache.New(cache.Options{
		StalenessWindow: time.Duration(cfg.StalenessWindowSec) * time.Second,
		EvictionGrace:   time.Duration(cfg.EvictionGraceSec) * time.Second,
		RequestTimeout:  time.Duration(cfg.RequestTimeoutSec) * time.Second,
		Limiter:         limiter,
	})
	defer shared.Close()

	// Bind each configured widget to the shared cache
	bindings := make([]*widget.Binding, 0, len(cfg.Widgets))
	for _, w := range cfg.Widgets {
		bindings = append(bindings, widget.Bind(shared, queryFromConfig(w)))
	}
	defer func() {
		for _, b := range bindings {
			b.Close()
		}
	}()

	fmt.Printf("Dashboard data layer running with %d widget(s). Ctrl-C to stop.\n", len(bindings))
	fmt.Println("================================================")

	// Render each widget whenever its cache entry changes
	var wg sync.WaitGroup
	for _, b := range bindings {
		wg.Add(1)
		go func(b *widget.Binding) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-b.Updates():
					fmt.Print(render(b.Query(), b.View()))
				}
			}
		}(b)
	}

	wg.Wait()
	fmt.Println("================================================")
	fmt.Println("Shutdown complete.")
}

// render turns one widget's current view into terminal output.
func render(q widget.Query, v widget.DataView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s/%s] ", q.WidgetID, q.Type)

	switch {
	case v.IsLoading:
		sb.WriteString("loading...\n")
		return sb.String()
	case v.IsError && !v.HasData:
		fmt.Fprintf(&sb, "ERROR - %v\n", v.Error)
		return sb.String()
	case v.IsEmpty:
		sb.WriteString("no data\n")
		return sb.String()
	case !v.HasData:
		sb.WriteString("waiting\n")
		return sb.String()
	}

	if v.IsError {
		fmt.Fprintf(&sb, "(stale: %v) ", v.Error)
	}

	switch q.Type {
	case normalize.WidgetCard:
		parts := make([]string, 0, len(q.Fields))
		for _, f := range q.Fields {
			parts = append(parts, fmt.Sprintf("%s=%s", f.DisplayLabel(), widget.FormatValue(v.Single[f.Key], f.Format)))
		}
		if len(parts) == 0 {
			parts = append(parts, fmt.Sprintf("%v", v.Single))
		}
		sb.WriteString(strings.Join(parts, " "))
	case normalize.WidgetChart:
		fmt.Fprintf(&sb, "%d points, latest %v", len(v.List), v.Single)
	default:
		fmt.Fprintf(&sb, "%d rows, first %v", len(v.List), v.Single)
	}
	sb.WriteString("\n")
	return sb.String()
}

func queryFromConfig(w config.WidgetConfig) widget.Query {
	fields := make([]widget.Field, 0, len(w.Fields))
	for _, f := range w.Fields {
		fields = append(fields, widget.Field{Key: f.Key, Label: f.Label, Format: f.Format})
	}
	return widget.Query{
		WidgetID:        w.ID,
		APIURL:          w.URL,
		DataPath:        w.DataPath,
		Fields:          fields,
		RefreshInterval: time.Duration(w.RefreshIntervalSec) * time.Second,
		Type:            normalize.WidgetType(w.Type),
	}
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/tiermem/pkg/bus"
	"github.com/dotsetgreg/tiermem/pkg/logger"
)

const maxEventBody = 64 << 10

func runServe(parent context.Context, app *cliApp, out io.Writer) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cfg, err := app.loadConfig()
	if err != nil {
		return err
	}
	mb := bus.NewMessageBus(cfg.Service.EventBuffer)
	defer mb.Close()

	rt, err := app.openRuntime(ctx, runtimeOptions{requireBackend: true, bus: mb, registry: reg})
	if err != nil {
		return err
	}
	defer rt.Close()

	ln, err := net.Listen("tcp", rt.cfg.Service.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", rt.cfg.Service.ListenAddr, err)
	}
	server := &http.Server{
		Handler:           newServiceMux(mb, reg),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Fprintf(out, "✓ Listening on http://%s (events, metrics, health)\n", ln.Addr())
	if cron := strings.TrimSpace(rt.cfg.Service.SweepCron); cron != "" {
		fmt.Fprintf(out, "✓ Sweep schedule: %s\n", cron)
	}
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.manager.Serve(gctx, mb)
	})
	if cron := strings.TrimSpace(rt.cfg.Service.SweepCron); cron != "" {
		g.Go(func() error {
			return rt.manager.RunSweeper(gctx, cron)
		})
	}
	g.Go(func() error {
		logSlotUpdates(gctx, mb)
		return nil
	})
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("service http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WarnCF("serve", "Graceful shutdown failed", map[string]interface{}{"error": err.Error()})
		}
		return nil
	})

	err = g.Wait()
	fmt.Fprintln(out, "\nShutting down...")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newServiceMux serves inbound chat events, Prometheus metrics and a
// liveness probe.
func newServiceMux(mb *bus.MessageBus, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", func(w http.ResponseWriter, r *http.Request) {
		var ev bus.ChatEvent
		dec := json.NewDecoder(io.LimitReader(r.Body, maxEventBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&ev); err != nil {
			http.Error(w, "decode event: "+err.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(ev.ConversationID) == "" || ev.Kind == "" {
			http.Error(w, "conversation_id and kind are required", http.StatusBadRequest)
			return
		}
		if !ev.Kind.Valid() {
			http.Error(w, fmt.Sprintf("unknown event kind %q", ev.Kind), http.StatusBadRequest)
			return
		}
		if !mb.PublishEvent(ev) {
			http.Error(w, "event queue full", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":         "ok",
			"dropped_events": mb.DroppedEvents(),
			"dropped_slots":  mb.DroppedSlots(),
		})
	})
	return mux
}

func logSlotUpdates(ctx context.Context, mb *bus.MessageBus) {
	for {
		update, ok := mb.SubscribeSlot(ctx)
		if !ok {
			return
		}
		logger.DebugCF("serve", "Injection slot updated", map[string]interface{}{
			"conversation": update.ConversationID,
			"slot":         update.Name,
			"position":     update.Position,
			"depth":        update.Depth,
			"chars":        len(update.Text),
		})
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/escalation"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/metrics"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/pool"
)

var serveMetricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator as a long-lived process",
	Long: `Run the orchestrator until interrupted.

On start, workspaces from earlier processes are re-attached, runs that were
executing when the previous process died are resumed, and answered
escalations whose runs never resumed are retried.

Answers are accepted through the escalation inbox (agentorch escalations
respond --inbox) and over HTTP:

  GET  /healthz                     liveness
  GET  /metrics                     Prometheus metrics
  GET  /runs                        runs executing in this process
  POST /escalations/{id}/answer     answer body is the raw answer text

On SIGINT or SIGTERM, executing runs are parked at their next step boundary
and resume on the next start.`,
	Args: cobra.NoArgs,
	RunE: serve,
}

func init() {
	serveCmd.Flags().StringVar(&serveMetricsAddr, "addr", "", "HTTP listen address (default: metrics.addr from config)")
}

func serve(cmd *cobra.Command, _ []string) error {
	a, err := openApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()

	if n, err := a.workspaces.Recover(); err != nil {
		log.Printf("[serve] workspace recovery failed: %v", err)
	} else if n > 0 {
		printStatus(out, "↻", fmt.Sprintf("re-attached %d workspaces", n), color.FgCyan)
	}
	n, err := a.orch.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	if n > 0 {
		printStatus(out, "↻", fmt.Sprintf("resumed %d interrupted runs", n), color.FgCyan)
	}

	inbox, err := escalation.NewInbox(a.queue)
	if err != nil {
		return err
	}
	inbox.Start(ctx)
	defer inbox.Close()

	addr := serveMetricsAddr
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	printStatus(out, "▶", fmt.Sprintf("listening on %s, inbox %s", addr, inbox.Dir()), color.FgGreen)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	printStatus(out, "⏸", "shutting down, parking executing runs", color.FgYellow)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[serve] http shutdown: %v", err)
	}
	return nil
}

// routes builds the HTTP surface of a serving process.
func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(a.promRegistry))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok\n")
	})
	mux.HandleFunc("GET /runs", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.orch.Runs())
	})
	mux.HandleFunc("GET /runs/{id}/usage", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.pool.Usage("run", r.PathValue("id")))
	})
	mux.HandleFunc("GET /pool", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, poolReport{
			Capacity:   a.pool.Capacity(),
			Active:     a.pool.Active(),
			Tasks:      a.pool.ActiveTasks(),
			Workflows:  a.pool.Rollup("workflow"),
			Providers:  a.pool.Rollup("provider"),
			Components: a.pool.Rollup("component"),
		})
	})
	mux.HandleFunc("POST /escalations/{id}/answer", a.handleAnswer)
	return mux
}

// poolReport is the GET /pool body.
type poolReport struct {
	Capacity   int                    `json:"capacity"`
	Active     int                    `json:"active"`
	Tasks      []string               `json:"tasks"`
	Workflows  map[string]pool.Totals `json:"workflows"`
	Providers  map[string]pool.Totals `json:"providers"`
	Components map[string]pool.Totals `json:"components"`
}

func (a *app) handleAnswer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	answer := strings.TrimSpace(string(body))
	if answer == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty answer"})
		return
	}

	esc, err := a.queue.Respond(r.Context(), id, answer)
	switch {
	case errors.Is(err, escalation.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, escalation.ErrNotPending):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil && esc == nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	case err != nil:
		// The answer is persisted; the resume is retried on the next start.
		writeJSON(w, http.StatusAccepted, map[string]string{"runId": esc.RunID, "status": string(esc.Status), "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"runId": esc.RunID, "status": string(esc.Status)})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[serve] encode response: %v", err)
	}
}

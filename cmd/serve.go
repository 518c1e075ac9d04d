package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/quote-extract/internal/model"
	"github.com/sells-group/quote-extract/internal/monitoring"
	"github.com/sells-group/quote-extract/internal/pipeline"
	"github.com/sells-group/quote-extract/internal/resilience"
	"github.com/sells-group/quote-extract/internal/store"
	"github.com/sells-group/quote-extract/internal/workbook"
)

var servePort int

// maxUploadBytes bounds a multipart workbook upload.
const maxUploadBytes = 32 << 20

// runner is the part of pipeline.Runner the HTTP handlers use.
type runner interface {
	Run(ctx context.Context, source, userID string, sheets []model.SheetText, progress pipeline.ProgressFunc) (*model.AggregateDocument, *model.Run, error)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the extraction HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initExtract(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Monitoring.Enabled {
			if env.Store == nil {
				zap.L().Warn("monitoring enabled without a store, alerts disabled")
			} else {
				checker := monitoring.NewChecker(
					monitoring.NewCollector(env.Store),
					monitoring.NewAlerter(cfg.Monitoring),
					cfg.Monitoring,
				)
				go checker.Run(ctx)
			}
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env.Runner, env.Store, env.Breakers, cfg.Usage.UserID),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// breakerStates reports per-model circuit state.
type breakerStates interface {
	States() map[string]resilience.State
}

// buildRouter wires the HTTP routes. st may be nil, in which case the
// ledger endpoints answer 503. breakers may be nil.
func buildRouter(r runner, st store.Store, breakers breakerStates, defaultUser string) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthBody(breakers))
	})

	mux.Post("/v1/extractions", func(w http.ResponseWriter, req *http.Request) {
		req.Body = http.MaxBytesReader(w, req.Body, maxUploadBytes)
		if err := req.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body", "")
			return
		}
		file, header, err := req.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "file is required", "")
			return
		}
		defer file.Close() //nolint:errcheck

		sheets, err := workbook.Read(file, header.Filename)
		if err != nil {
			zap.L().Warn("workbook read failed", zap.String("file", header.Filename), zap.Error(err))
			writeError(w, http.StatusBadRequest, "unreadable workbook", "")
			return
		}

		user := req.FormValue("user")
		if user == "" {
			user = defaultUser
		}

		doc, _, err := r.Run(req.Context(), header.Filename, user, sheets, nil)
		if err != nil {
			writeExtractError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	})

	mux.Get("/v1/usage", func(w http.ResponseWriter, req *http.Request) {
		if st == nil {
			writeError(w, http.StatusServiceUnavailable, "no store configured", "")
			return
		}
		filter := store.UsageFilter{
			UserID: req.URL.Query().Get("user"),
			Model:  req.URL.Query().Get("model"),
			Limit:  queryInt(req, "limit", 100),
		}
		events, err := st.ListUsage(req.Context(), filter)
		if err != nil {
			zap.L().Error("list usage failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list usage failed", "")
			return
		}
		summary, err := st.SummarizeUsage(req.Context(), filter)
		if err != nil {
			zap.L().Error("summarize usage failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "summarize usage failed", "")
			return
		}
		if events == nil {
			events = []model.UsageEvent{}
		}
		if summary == nil {
			summary = []store.UsageSummary{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events, "summary": summary})
	})

	mux.Get("/v1/runs", func(w http.ResponseWriter, req *http.Request) {
		if st == nil {
			writeError(w, http.StatusServiceUnavailable, "no store configured", "")
			return
		}
		runs, err := st.ListRuns(req.Context(), store.RunFilter{
			Status: model.RunStatus(req.URL.Query().Get("status")),
			UserID: req.URL.Query().Get("user"),
			Limit:  queryInt(req, "limit", 50),
		})
		if err != nil {
			zap.L().Error("list runs failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list runs failed", "")
			return
		}
		if runs == nil {
			runs = []model.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	})

	mux.Get("/v1/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		if st == nil {
			writeError(w, http.StatusServiceUnavailable, "no store configured", "")
			return
		}
		run, err := st.GetRun(req.Context(), chi.URLParam(req, "id"))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found", "")
			return
		}
		if err != nil {
			zap.L().Error("get run failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "get run failed", "")
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	return mux
}

// writeExtractError maps pipeline failures to status codes: no usable
// sheets is the caller's fault, a chunk that defeated every tier is 422.
func writeExtractError(w http.ResponseWriter, err error) {
	var cerr *pipeline.ChunkError
	switch {
	case errors.Is(err, pipeline.ErrNoSheets):
		writeError(w, http.StatusBadRequest, "no usable sheets in workbook", "")
	case errors.As(err, &cerr):
		zap.L().Warn("extraction failed", zap.String("sheet", cerr.Sheet), zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, cerr.Error(), cerr.Sheet)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "extraction cancelled", "")
	default:
		zap.L().Error("extraction failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "extraction failed", "")
	}
}

// healthBody reports "degraded" while any model's breaker is not closed.
// The server itself stays up, so the status code is always 200.
func healthBody(breakers breakerStates) map[string]any {
	body := map[string]any{"status": "ok"}
	if breakers == nil {
		return body
	}
	states := breakers.States()
	if len(states) == 0 {
		return body
	}
	models := make(map[string]string, len(states))
	for name, st := range states {
		models[name] = st.String()
		if st != resilience.Closed {
			body["status"] = "degraded"
		}
	}
	body["breakers"] = models
	return body
}

// writeJSON encodes v before sending any header, so an unencodable value
// becomes a 500 instead of a 200 with an empty body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		zap.L().Error("encode response", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal error"}` + "\n"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		zap.L().Warn("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg, sheet string) {
	body := map[string]string{"error": msg}
	if sheet != "" {
		body["sheet"] = sheet
	}
	writeJSON(w, status, body)
}

func queryInt(req *http.Request, key string, def int) int {
	v, err := strconv.Atoi(req.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

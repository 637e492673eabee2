package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/myuser/vcdb"
	"github.com/myuser/vcdb/engine/replicated"
	"github.com/myuser/vcdb/internal/metrics"
	"github.com/myuser/vcdb/internal/schema"
	"github.com/myuser/vcdb/internal/sql"
)

const maxStatementBytes = 1 << 20

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the database over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			defer s.close()
			if listen == "" {
				listen = s.cfg.Listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// serve /raft before opening so peers can reach this member during election
			srv := &http.Server{Addr: listen, ReadHeaderTimeout: 5 * time.Second}
			errc := make(chan error, 1)
			mux := http.NewServeMux()
			srv.Handler = mux
			mux.Handle("/raft", replicated.Handler())
			mux.HandleFunc("/metrics", metrics.Handler)
			go func() {
				s.logger.Info("listening", "addr", listen, "engine", s.cfg.Engine)
				errc <- srv.ListenAndServe()
			}()

			db, err := s.openOrCreate()
			if err != nil {
				srv.Close()
				return err
			}
			defer db.Close()
			mux.Handle("/execute", executeHandler(newExecutorFor(s, db), s.logger))

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			s.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides the configuration")
	return cmd
}

type executeResponse struct {
	Results []sql.Result `json:"results,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// executeHandler runs the batch in the sql query parameter or, failing
// that, the request body.
func executeHandler(e *sql.Executor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stmt := r.URL.Query().Get("sql")
		if stmt == "" && r.Body != nil {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxStatementBytes))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			stmt = string(body)
		}

		w.Header().Set("Content-Type", "application/json")
		results, err := e.Execute(r.Context(), stmt)
		if err != nil {
			code := statusCode(err)
			if code >= http.StatusInternalServerError {
				logger.Error("execute failed", "err", err)
			}
			w.WriteHeader(code)
			json.NewEncoder(w).Encode(executeResponse{Error: err.Error()})
			return
		}
		metrics.Inc("vcdb_http_execute")
		json.NewEncoder(w).Encode(executeResponse{Results: results})
	}
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, sql.ErrSyntax),
		errors.Is(err, sql.ErrUnsupported),
		errors.Is(err, schema.ErrNoTable),
		errors.Is(err, schema.ErrNoColumn),
		errors.Is(err, schema.ErrMissingPK),
		errors.Is(err, vcdb.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

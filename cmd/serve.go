package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/datafeed/internal/faults"
	"github.com/sells-group/datafeed/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		gw, err := initGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, gw.Health())
		})

		r.Post("/validate", func(w http.ResponseWriter, req *http.Request) {
			dr, ok := decodeRequest(w, req)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, gw.Validate(dr))
		})

		r.Post("/fetch", func(w http.ResponseWriter, req *http.Request) {
			dr, ok := decodeRequest(w, req)
			if !ok {
				return
			}

			result, err := gw.Fetch(req.Context(), dr)
			if err != nil {
				writeFault(w, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// fetchRequest is the wire form of a data request. max_staleness_secs maps
// to the internal duration field.
type fetchRequest struct {
	EntityKeys       []string             `json:"entity_keys"`
	DataType         string               `json:"data_type"`
	Filter           model.FilterCriteria `json:"filter"`
	MaxStalenessSecs int                  `json:"max_staleness_secs"`
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (model.DataRequest, bool) {
	var fr fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&fr); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return model.DataRequest{}, false
	}
	if fr.DataType == "" {
		http.Error(w, `{"error":"data_type is required"}`, http.StatusBadRequest)
		return model.DataRequest{}, false
	}
	return model.DataRequest{
		EntityKeys:   fr.EntityKeys,
		DataType:     model.DataType(fr.DataType),
		Filter:       fr.Filter,
		MaxStaleness: time.Duration(fr.MaxStalenessSecs) * time.Second,
	}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch faults.KindOf(err) {
	case faults.Unroutable:
		status = http.StatusUnprocessableEntity
	case faults.NotFound:
		status = http.StatusNotFound
	case faults.RateLimited:
		status = http.StatusTooManyRequests
	case faults.Timeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]any{
		"error":    err.Error(),
		"kind":     string(faults.KindOf(err)),
		"attempts": faults.AttemptsOf(err),
	})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// CommandEndpoint runs the command line posted in the request body.
	CommandEndpoint = "/command"
	// MetricsEndpoint serves the Prometheus counters.
	MetricsEndpoint = "/metrics"

	maxCommandBody = 4096
)

type commandResponse struct {
	Reply  string `json:"reply"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

func newRouter(cmd *commander, registry *prometheus.Registry, logger *zap.SugaredLogger) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc(CommandEndpoint, HandleCommand(cmd, logger)).Methods(http.MethodPost)
	if registry != nil {
		router.Handle(MetricsEndpoint, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	return router
}

// HandleCommand handles requests to run a command on the channel.
func HandleCommand(cmd *commander, logger *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := logger.With("endpoint", CommandEndpoint, "remote", r.RemoteAddr)
		l.Debug("got request to endpoint")

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBody))
		if err != nil {
			l.Errorw("read request body", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		var out bytes.Buffer

		status := http.StatusOK
		resp := commandResponse{}

		reply, err := cmd.run(r.Context(), &out, string(body))
		switch {
		case errors.Is(err, errQuit):
			err = errors.New("exit is not available over http")
			status = http.StatusBadRequest
		case errors.Is(err, errInvalidCommand), errors.Is(err, errUsage):
			status = http.StatusBadRequest
		case err != nil:
			status = http.StatusInternalServerError
		}

		resp.Reply, resp.Output = reply, out.String()
		if err != nil {
			l.Warnw("command failed", "command", string(body), "error", err)
			resp.Error = err.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)

		if err := json.NewEncoder(w).Encode(resp); err != nil {
			l.Errorw("write response body", "error", err)
		}
	}
}

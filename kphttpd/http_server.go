package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thialfihar/python-keepass-httpd/auth"
	"github.com/thialfihar/python-keepass-httpd/requests"
)

// maxRequestBody bounds a KeePassHTTP request body.
const maxRequestBody = 1 << 20

type httpHandler struct {
	dispatcher *requests.Dispatcher
	health     *HealthState
}

func newHTTPHandler(d *requests.Dispatcher, health *HealthState) http.Handler {
	h := &httpHandler{dispatcher: d, health: health}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/", h.handleRequest)
	return mux
}

// handleRequest serves KeePassHTTP JSON requests, which clients POST to /.
func (h *httpHandler) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := uuid.NewString()
	logger := log.With().Str("request_id", requestID).Str("transport", "http").Logger()
	ctx := logger.WithContext(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		status := http.StatusBadRequest
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		logger.Warn().Err(err).Msg("Failed to read request body")
		data, _ := json.Marshal(requests.ErrorResponse("", auth.ErrMalformedRequest))
		w.WriteHeader(status)
		w.Write(data)
		return
	}

	status, data := h.dispatcher.ServeJSON(ctx, body)
	w.WriteHeader(status)
	w.Write(data)
}

func (h *httpHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.health.Status()

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

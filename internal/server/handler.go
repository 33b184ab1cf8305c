package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"scriptstream/internal/auth"
	"scriptstream/internal/config"
	"scriptstream/internal/stream"
	"scriptstream/internal/util"
)

// statusClientClosedRequest mirrors the nginx convention for a request the
// caller abandoned before the stream settled.
const statusClientClosedRequest = 499

type Handler struct {
	Tokens auth.TokenSource
}

type generateRequest struct {
	Endpoint string         `json:"endpoint"`
	Params   map[string]any `json:"params"`
	Options  struct {
		MaxRetries   int `json:"max_retries"`
		RetryDelayMs int `json:"retry_delay_ms"`
		TimeoutMs    int `json:"timeout_ms"`
		MaxChunks    int `json:"max_chunks"`
	} `json:"options"`
}

// generate runs one ingestion session to settlement and returns the
// reconstructed result. Each request owns a fresh session, so concurrent
// generations never share a buffer or seen-set.
func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		util.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		util.WriteError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	sess := stream.New(h.Tokens, stream.Options{
		MaxRetries: req.Options.MaxRetries,
		RetryDelay: time.Duration(req.Options.RetryDelayMs) * time.Millisecond,
		Timeout:    time.Duration(req.Options.TimeoutMs) * time.Millisecond,
		MaxChunks:  req.Options.MaxChunks,
	})
	requestID := uuid.NewString()
	config.Logger.Info("generate request",
		"request", requestID, "session", sess.ID, "endpoint", req.Endpoint)

	res, err := sess.Start(r.Context(), req.Endpoint, req.Params)
	if err != nil {
		snap := sess.Snapshot()
		config.Logger.Warn("generate failed",
			"request", requestID, "session", sess.ID, "state", snap.State.String(), "error", err)
		switch {
		case errors.Is(err, stream.ErrAborted):
			util.WriteError(w, statusClientClosedRequest, "generation aborted")
		case errors.Is(err, stream.ErrTimeout):
			util.WriteError(w, http.StatusGatewayTimeout, "generation timed out")
		default:
			util.WriteError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	snap := sess.Snapshot()
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"request":  requestID,
		"session":  sess.ID,
		"result":   res.Data,
		"strategy": string(res.Strategy),
		"chunks":   snap.ChunkCount,
		"bytes":    snap.TotalBytes,
	})
}

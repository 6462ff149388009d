package agents

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lyralabs/companion-gateway/internal/circuitbreaker"
	"github.com/lyralabs/companion-gateway/internal/logger"
	"github.com/lyralabs/companion-gateway/internal/metrics"
	"github.com/lyralabs/companion-gateway/internal/middleware"
)

// maxAgentResponseBytes caps how much of an agent backend response is
// relayed to the caller.
const maxAgentResponseBytes = 4 << 20

// Handler serves the agent catalog and dispatch endpoints.
type Handler struct {
	registry   *Registry
	httpClient *http.Client
	breakers   *circuitbreaker.Manager
	logger     *logger.ComponentLogger
}

// NewHandler creates the agents handler. One circuit breaker is kept
// per agent backend.
func NewHandler(registry *Registry) *Handler {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Handler{
		registry:   registry,
		httpClient: &http.Client{Transport: transport},
		breakers:   circuitbreaker.NewManager(),
		logger:     logger.Get().WithComponent("agents"),
	}
}

// List handles GET /v1/agents.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"agents": h.registry.List(),
	})
}

// Get handles GET /v1/agents/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		middleware.WriteJSONError(w, http.StatusNotFound, "agent_not_found", "No such agent.")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, agent)
}

// Process handles POST /v1/agents/{id}/process. The JSON request body
// is forwarded to the agent backend and its response relayed back.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		middleware.WriteJSONError(w, http.StatusNotFound, "agent_not_found", "No such agent.")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		middleware.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "Failed to read request body.")
		return
	}

	log := logger.FromContext(r.Context(), "agents")
	breaker := h.breakers.Get(agent.ID, circuitbreaker.DefaultConfig())

	var resp *http.Response
	err = breaker.Execute(func() error {
		var execErr error
		resp, execErr = h.dispatch(r.Context(), agent, body)
		return execErr
	})
	if err != nil {
		h.writeDispatchError(w, log, agent, err)
		return
	}
	defer resp.Body.Close()

	relayed, err := io.ReadAll(io.LimitReader(resp.Body, maxAgentResponseBytes))
	if err != nil {
		metrics.RecordUpstreamError(agent.ID, "read")
		middleware.WriteJSONError(w, http.StatusBadGateway, "upstream_error", "Failed to read agent response.")
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(relayed)
}

func (h *Handler) dispatch(ctx context.Context, agent *Agent, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, agent.Timeout)
	defer cancel()

	url := strings.TrimRight(agent.BackendURL, "/") + "/process"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	if err != nil {
		metrics.RecordUpstreamError(agent.ID, "transport")
		return nil, err
	}

	metrics.RecordUpstreamRequest(agent.ID, strconv.Itoa(resp.StatusCode), time.Since(start))

	// 5xx from the backend counts as a breaker failure.
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		metrics.RecordUpstreamError(agent.ID, "status")
		return nil, &backendError{status: resp.StatusCode}
	}
	return resp, nil
}

type backendError struct {
	status int
}

func (e *backendError) Error() string {
	return "agent backend returned status " + strconv.Itoa(e.status)
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, log *logger.ContextLogger, agent *Agent, err error) {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		log.Warn("agent circuit open", logger.Fields{"agent_id": agent.ID})
		middleware.WriteJSONError(w, http.StatusServiceUnavailable, "agent_unavailable",
			"The agent is temporarily unavailable. Please try again shortly.")

	case errors.Is(err, context.DeadlineExceeded):
		log.Warn("agent dispatch timed out", logger.Fields{"agent_id": agent.ID})
		middleware.WriteJSONError(w, http.StatusGatewayTimeout, "agent_timeout",
			"The agent took too long to respond.")

	default:
		log.Error("agent dispatch failed", logger.Fields{
			"agent_id": agent.ID,
			"error":    err.Error(),
		})
		middleware.WriteJSONError(w, http.StatusBadGateway, "agent_error",
			"The agent returned an error.")
	}
}

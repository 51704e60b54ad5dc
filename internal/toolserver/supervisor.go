package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// State is one node in the tool-server lifecycle state machine
// (spec §4.3): stopped -> starting -> running -> restarting -> stopped.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
)

var (
	healthCheckInterval = 30 * time.Second
	maxBackoff          = 30 * time.Second
)

const (
	healthProbeTimeout = 5 * time.Second
	maxRestarts        = 5
)

// server tracks one managed subprocess tool server: its transport,
// its lifecycle state, and its restart bookkeeping.
type server struct {
	mu       sync.Mutex
	cfg      Config
	tr       *transport
	state    State
	attempts int
	tools    []ToolDescriptor

	cancelHealth context.CancelFunc
}

// Supervisor manages a set of subprocess tool servers: it starts them,
// watches their health, restarts them with backoff on failure, and
// dispatches tool calls to the server that advertised them. It
// implements internal/tooling.ServerDispatcher.
type Supervisor struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	servers map[string]*server
}

// NewSupervisor builds a Supervisor. logger must not be nil.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		logger:  logger,
		servers: make(map[string]*server),
	}
}

// Start launches and registers a tool server under cfg.ID, beginning
// its health-monitor goroutine. Calling Start again for the same ID
// first stops the existing instance.
func (s *Supervisor) Start(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	if existing, ok := s.servers[cfg.ID]; ok {
		s.mu.Unlock()
		s.Stop(existing.cfg.ID)
	} else {
		s.mu.Unlock()
	}

	srv := &server{cfg: cfg, state: StateStarting}
	s.mu.Lock()
	s.servers[cfg.ID] = srv
	s.mu.Unlock()

	if err := s.launch(ctx, srv); err != nil {
		return err
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	srv.mu.Lock()
	srv.cancelHealth = cancel
	srv.mu.Unlock()
	go s.monitorHealth(healthCtx, srv)

	return nil
}

// launch starts the subprocess, fetches its tool catalog, and marks
// the server running. Caller holds no lock.
func (s *Supervisor) launch(ctx context.Context, srv *server) error {
	srv.mu.Lock()
	srv.tr = newTransport(srv.cfg, s.logger)
	tr := srv.tr
	srv.state = StateStarting
	srv.mu.Unlock()

	if err := tr.start(ctx); err != nil {
		srv.mu.Lock()
		srv.state = StateStopped
		srv.mu.Unlock()
		return fmt.Errorf("toolserver %s: launch: %w", srv.cfg.ID, err)
	}

	if err := s.initialize(ctx, tr); err != nil {
		srv.mu.Lock()
		srv.state = StateStopped
		srv.mu.Unlock()
		return fmt.Errorf("toolserver %s: initialize: %w", srv.cfg.ID, err)
	}

	tools, err := s.listTools(ctx, tr)
	if err != nil {
		s.logger.Warn("tool server started but list_tools failed", "tool_server", srv.cfg.ID, "error", err)
		tools = nil
	}

	srv.mu.Lock()
	srv.state = StateRunning
	srv.tools = tools
	srv.attempts = 0
	srv.mu.Unlock()

	s.logger.Info("tool server running", "tool_server", srv.cfg.ID, "tool_count", len(tools))
	return nil
}

// initialize performs the protocol handshake spec §6 requires before
// any tool listing or invocation: initialize() -> {protocol_version,
// server_name}.
func (s *Supervisor) initialize(ctx context.Context, tr *transport) error {
	raw, err := tr.call(ctx, "initialize", nil)
	if err != nil {
		return err
	}
	var result struct {
		ProtocolVersion string `json:"protocol_version"`
		ServerName      string `json:"server_name"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	return nil
}

func (s *Supervisor) listTools(ctx context.Context, tr *transport) ([]ToolDescriptor, error) {
	raw, err := tr.call(ctx, "list_tools", nil)
	if err != nil {
		return nil, err
	}
	var descriptors []ToolDescriptor
	if err := json.Unmarshal(raw, &descriptors); err != nil {
		return nil, fmt.Errorf("decode list_tools result: %w", err)
	}
	return descriptors, nil
}

// monitorHealth issues an active catalog-list probe against the
// subprocess every healthCheckInterval, bounded by healthProbeTimeout
// (spec §4.3): a transport that has already observed disconnection, or
// a list_tools call that fails or times out, triggers a restart with
// exponential backoff, capped at maxBackoff and maxRestarts (spec §4.3:
// min(30s, 2^attempts), give up after 5 consecutive failures and leave
// the server in state stopped). This catches a hung-but-still-connected
// subprocess, not just a dead one.
func (s *Supervisor) monitorHealth(ctx context.Context, srv *server) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	relaunchFailed := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		srv.mu.Lock()
		tr := srv.tr
		state := srv.state
		srv.mu.Unlock()

		if !relaunchFailed && (state != StateRunning || tr == nil) {
			continue
		}

		if !relaunchFailed && tr.isConnected() && s.probe(ctx, tr) {
			continue
		}

		srv.mu.Lock()
		srv.state = StateRestarting
		srv.attempts++
		attempts := srv.attempts
		srv.mu.Unlock()

		if attempts > maxRestarts {
			srv.mu.Lock()
			srv.state = StateStopped
			srv.mu.Unlock()
			s.logger.Error("tool server exceeded max restarts, giving up", "tool_server", srv.cfg.ID, "attempts", attempts)
			return
		}

		backoffSeconds := math.Min(float64(maxBackoff/time.Second), math.Pow(2, float64(attempts)))
		backoff := time.Duration(backoffSeconds) * time.Second
		s.logger.Warn("tool server unhealthy, restarting", "tool_server", srv.cfg.ID, "attempt", attempts, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		err := s.launch(context.Background(), srv)
		relaunchFailed = err != nil
		if err != nil {
			s.logger.Error("tool server restart failed", "tool_server", srv.cfg.ID, "error", err)
		}
	}
}

// probe issues one list_tools health check bounded by
// healthProbeTimeout, reporting whether the server responded in time.
func (s *Supervisor) probe(ctx context.Context, tr *transport) bool {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	_, err := tr.call(probeCtx, "list_tools", nil)
	return err == nil
}

// Stop shuts down and deregisters a tool server.
func (s *Supervisor) Stop(id string) {
	s.mu.Lock()
	srv, ok := s.servers[id]
	if ok {
		delete(s.servers, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	srv.mu.Lock()
	if srv.cancelHealth != nil {
		srv.cancelHealth()
	}
	tr := srv.tr
	srv.state = StateStopped
	srv.mu.Unlock()

	if tr != nil {
		tr.stop()
	}
}

// StopAll shuts down every managed tool server.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.servers))
	for id := range s.servers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.Stop(id)
	}
}

// State reports the current lifecycle state of a managed server.
func (s *Supervisor) State(id string) (State, bool) {
	s.mu.RLock()
	srv, ok := s.servers[id]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.state, true
}

// Owner implements internal/tooling.ServerDispatcher: it returns the
// id of the running server advertising toolName, if any.
func (s *Supervisor) Owner(toolName string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, srv := range s.servers {
		srv.mu.Lock()
		state := srv.state
		tools := srv.tools
		srv.mu.Unlock()
		if state != StateRunning {
			continue
		}
		for _, td := range tools {
			if td.Name == toolName {
				return id, true
			}
		}
	}
	return "", false
}

// Call implements internal/tooling.ServerDispatcher: it forwards a
// call_tool request to the named server.
func (s *Supervisor) Call(ctx context.Context, serverID, toolName string, args map[string]any) (any, bool, error) {
	s.mu.RLock()
	srv, ok := s.servers[serverID]
	s.mu.RUnlock()
	if !ok {
		return nil, true, fmt.Errorf("toolserver %s: not registered", serverID)
	}

	srv.mu.Lock()
	tr := srv.tr
	state := srv.state
	srv.mu.Unlock()
	if state != StateRunning || tr == nil {
		return nil, true, fmt.Errorf("toolserver %s: not running (state=%s)", serverID, state)
	}

	raw, err := tr.call(ctx, "call_tool", map[string]any{"name": toolName, "arguments": args})
	if err != nil {
		return nil, true, err
	}

	var result struct {
		Content json.RawMessage `json:"content"`
		IsError bool            `json:"is_error"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return string(raw), false, nil
	}

	var content string
	if err := json.Unmarshal(result.Content, &content); err != nil {
		content = string(result.Content)
	}
	return content, result.IsError, nil
}

// AllTools returns the combined catalog of tools advertised by every
// running server, for merging into the Registry's LLM-facing list.
func (s *Supervisor) AllTools() []ToolDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ToolDescriptor
	for _, srv := range s.servers {
		srv.mu.Lock()
		if srv.state == StateRunning {
			out = append(out, srv.tools...)
		}
		srv.mu.Unlock()
	}
	return out
}

// Package supervisor implements the Runtime-Process Supervisor described in
// spec §4.3: it owns the lifecycle of the external codex app-server child
// process and multiplexes a line-delimited JSON-RPC protocol over its
// stdin/stdout, exposing Call/Notify/Respond/RespondError to the rest of the
// orchestrator.
//
// The subprocess spawn and graceful SIGTERM-then-SIGKILL shutdown is
// grounded on the dispatcher pattern in
// other_examples/421e5be0_mattjoyce-senechal-gw__internal-dispatch-dispatcher.go.go
// (terminationGracePeriod, cmd.Process.Signal(syscall.SIGTERM) then
// SIGKILL); the teacher repo has no child-process supervisor of its own.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmillpps/codex-manager/errtypes"
	"github.com/jmillpps/codex-manager/telemetry"
)

// terminationGracePeriod is how long Stop waits after SIGTERM before
// escalating to SIGKILL.
const terminationGracePeriod = 3 * time.Second

// ClientInfo identifies this orchestrator to the child during the
// initialize handshake.
type ClientInfo struct {
	Name         string
	Version      string
	Capabilities map[string]any
}

// Config configures one Supervisor instance.
type Config struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        []string
	DataDir    string
	LogDir     string
	Client     ClientInfo
	// CallRateLimit bounds outbound Call writes per second; zero
	// disables rate limiting.
	CallRateLimit rate.Limit
}

// ExitInfo records how the child process last exited.
type ExitInfo struct {
	Code   int
	Signal string
	At     time.Time
}

// StatusInfo is the snapshot returned by Status.
type StatusInfo struct {
	Running     bool
	PID         int
	Initialized bool
	LastExit    *ExitInfo
}

// Listener receives out-of-band messages the child sends that are not
// responses to a pending Call: notifications and server-initiated requests.
type Listener interface {
	OnNotification(method string, params json.RawMessage)
	OnServerRequest(id any, method string, params json.RawMessage)
}

type pendingCall struct {
	resultCh chan rpcResponse
}

type rpcResponse struct {
	result json.RawMessage
	rpcErr *rpcError
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wireMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// Supervisor owns one child process and its JSON-RPC channel.
type Supervisor struct {
	cfg      Config
	logger   telemetry.Logger
	listener Listener
	limiter  *rate.Limiter

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	logFile     *os.File
	running     bool
	initialized bool
	lastExit    *ExitInfo
	nextID      int64
	pending     map[int64]*pendingCall

	stopOnce sync.Once
	doneCh   chan struct{}
}

// New constructs a Supervisor. Call Start before Call/Notify.
func New(cfg Config, listener Listener, logger telemetry.Logger) *Supervisor {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	var limiter *rate.Limiter
	if cfg.CallRateLimit > 0 {
		limiter = rate.NewLimiter(cfg.CallRateLimit, 1)
	}
	return &Supervisor{
		cfg:      cfg,
		logger:   logger,
		listener: listener,
		limiter:  limiter,
		pending:  make(map[int64]*pendingCall),
	}
}

// Start ensures data/log directories exist, spawns the child, and performs
// the initialize/initialized handshake. On any handshake error it calls Stop
// and propagates the error.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("supervisor: mkdir data dir: %w", err)
	}
	if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("supervisor: mkdir log dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(s.cfg.LogDir, "app-server.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("supervisor: open log file: %w", err)
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkingDir
	cmd.Env = s.cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		logFile.Close()
		return fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logFile.Close()
		return fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	cmd.Stderr = io.MultiWriter(logFile)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("supervisor: start child: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.logFile = logFile
	s.running = true
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.readLoop(io.TeeReader(stdout, logFile))
	go s.waitLoop()

	if err := s.handshake(ctx); err != nil {
		s.Stop()
		return fmt.Errorf("supervisor: handshake: %w", err)
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) handshake(ctx context.Context) error {
	_, err := s.Call(ctx, "initialize", map[string]any{
		"clientInfo":   map[string]any{"name": s.cfg.Client.Name, "version": s.cfg.Client.Version},
		"capabilities": s.cfg.Client.Capabilities,
	}, 0)
	if err != nil {
		return err
	}
	return s.Notify("initialized", nil)
}

// readLoop parses newline-delimited JSON from the child's stdout, routing
// each line to either a pending Call or the Listener.
func (s *Supervisor) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Error(context.Background(), "supervisor: malformed line", "error", err.Error())
			continue
		}
		s.route(msg)
	}
}

func (s *Supervisor) route(msg wireMessage) {
	if len(msg.ID) == 0 {
		if s.listener != nil {
			s.listener.OnNotification(msg.Method, msg.Params)
		}
		return
	}
	if msg.Method != "" {
		var id any
		_ = json.Unmarshal(msg.ID, &id)
		if s.listener != nil {
			s.listener.OnServerRequest(id, msg.Method, msg.Params)
		}
		return
	}

	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		return
	}
	s.mu.Lock()
	pc, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	pc.resultCh <- rpcResponse{result: msg.Result, rpcErr: msg.Error}
}

func (s *Supervisor) waitLoop() {
	err := s.cmd.Wait()
	at := time.Now()
	exit := &ExitInfo{At: at}
	if exitErr, ok := err.(*exec.ExitError); ok {
		exit.Code = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			exit.Signal = status.Signal().String()
		}
	}

	s.mu.Lock()
	s.running = false
	s.initialized = false
	s.lastExit = exit
	pending := s.pending
	s.pending = make(map[int64]*pendingCall)
	doneCh := s.doneCh
	s.mu.Unlock()

	for _, pc := range pending {
		pc.resultCh <- rpcResponse{rpcErr: &rpcError{Code: -1, Message: errtypes.ErrSupervisorExited.Error()}}
	}
	if doneCh != nil {
		close(doneCh)
	}
}

// Call sends method/params as a request and blocks until a matching
// response arrives or timeout elapses (default 120s). A response carrying an
// error object rejects with errtypes.RPCError; a timeout rejects with
// errtypes.RPCTimeout and removes the pending entry.
func (s *Supervisor) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if err := s.waitRateLimit(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, errtypes.ErrSupervisorNotRunning
	}
	id := s.nextID
	s.nextID++
	pc := &pendingCall{resultCh: make(chan rpcResponse, 1)}
	s.pending[id] = pc
	line, err := encodeRequest(id, method, params)
	if err != nil {
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}
	stdin := s.stdin
	s.mu.Unlock()

	if _, err := stdin.Write(line); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor: write request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-pc.resultCh:
		if resp.rpcErr != nil {
			return nil, errtypes.RPCError(resp.rpcErr.Code, resp.rpcErr.Message)
		}
		return resp.result, nil
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, errtypes.RPCTimeout(method)
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *Supervisor) waitRateLimit(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

// Notify sends a fire-and-forget JSON-RPC notification (no id).
func (s *Supervisor) Notify(method string, params any) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errtypes.ErrSupervisorNotRunning
	}
	stdin := s.stdin
	s.mu.Unlock()

	line, err := encodeRequest(nil, method, params)
	if err != nil {
		return err
	}
	_, err = stdin.Write(line)
	return err
}

// Respond replies to a server-initiated request with a success result.
func (s *Supervisor) Respond(id any, result any) error {
	return s.writeRaw(wireMessage{ID: mustMarshalID(id), Result: mustMarshal(result)})
}

// RespondError replies to a server-initiated request with an error object.
func (s *Supervisor) RespondError(id any, code int, message string) error {
	return s.writeRaw(wireMessage{ID: mustMarshalID(id), Error: &rpcError{Code: code, Message: message}})
}

func (s *Supervisor) writeRaw(msg wireMessage) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return errtypes.ErrSupervisorNotRunning
	}
	stdin := s.stdin
	s.mu.Unlock()
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = stdin.Write(append(data, '\n'))
	return err
}

// Status returns a point-in-time snapshot of the supervisor's process state.
func (s *Supervisor) Status() StatusInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := StatusInfo{Running: s.running, Initialized: s.initialized, LastExit: s.lastExit}
	if s.cmd != nil && s.cmd.Process != nil {
		info.PID = s.cmd.Process.Pid
	}
	return info
}

// Stop sends SIGTERM, waits up to terminationGracePeriod, then SIGKILL;
// closes the log stream; rejects all pending requests with
// errtypes.ErrSupervisorStopped.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cmd := s.cmd
		pending := s.pending
		s.pending = make(map[int64]*pendingCall)
		logFile := s.logFile
		doneCh := s.doneCh
		s.mu.Unlock()

		for _, pc := range pending {
			pc.resultCh <- rpcResponse{rpcErr: &rpcError{Code: -1, Message: errtypes.ErrSupervisorStopped.Error()}}
		}

		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			if doneCh != nil {
				select {
				case <-doneCh:
				case <-time.After(terminationGracePeriod):
					_ = cmd.Process.Signal(syscall.SIGKILL)
					<-doneCh
				}
			}
		}
		if logFile != nil {
			_ = logFile.Close()
		}
	})
}

func encodeRequest(id any, method string, params any) ([]byte, error) {
	msg := map[string]any{"method": method}
	if id != nil {
		msg["id"] = id
	}
	if params != nil {
		msg["params"] = params
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("supervisor: encode %s: %w", method, err)
	}
	return append(data, '\n'), nil
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func mustMarshalID(id any) json.RawMessage {
	data, _ := json.Marshal(id)
	return data
}

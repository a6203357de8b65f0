// Package session owns the single proxy process of the application and
// drives it through the Disconnected, Connecting, Connected and Failed phases.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"countryvpn/internal/catalog"
	"countryvpn/internal/config"
	"countryvpn/internal/eventlog"
	"countryvpn/internal/events"
)

const (
	tailLines    = 20
	drainTimeout = time.Second
	maxLineSize  = 1024 * 1024
)

// LineAppender receives the user-facing status lines.
type LineAppender interface {
	Append(text string) eventlog.Entry
}

// Publisher receives phase change events.
type Publisher interface {
	Publish(events.Event)
}

// Option configures a Session.
type Option func(*Session)

// WithLocator sets how the proxy runtime is found.
func WithLocator(l RuntimeLocator) Option {
	return func(s *Session) { s.locator = l }
}

// WithEventLog sets the user-facing log.
func WithEventLog(log LineAppender) Option {
	return func(s *Session) { s.log = log }
}

// WithBus publishes events.SessionPhaseChanged on every transition.
func WithBus(bus Publisher) Option {
	return func(s *Session) { s.bus = bus }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) { s.logger = logger.Named("session") }
}

// WithGracePeriod sets how long the process must survive to count as connected.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

// WithStopTimeout sets the graceful stop window before the process group is killed.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// WithLocalPort sets the SOCKS5 listen port handed to the proxy.
func WithLocalPort(port int) Option {
	return func(s *Session) {
		if port > 0 && port <= 65535 {
			s.localPort = port
		}
	}
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	Phase       Phase             `json:"phase"`
	Server      *catalog.Endpoint `json:"server,omitempty"`
	PID         int               `json:"pid,omitempty"`
	LocalPort   int               `json:"local_port"`
	StartedAt   time.Time         `json:"started_at,omitempty"`
	ConnectedAt time.Time         `json:"connected_at,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
}

// process is one launched proxy. Fields other than cmd, tail and the
// channels are guarded by Session.mu.
type process struct {
	cmd       *exec.Cmd
	endpoint  catalog.Endpoint
	localPort int
	tail      *tailBuffer
	exited    chan struct{} // closed when the process has been reaped
	done      chan struct{} // closed after exited and after output was drained
	stopping  bool
	exitErr   error
}

// Session is the connection session. At most one proxy process exists at a
// time; Start and Stop are serialized and safe to call from any goroutine.
type Session struct {
	// opMu serializes Start, Stop, Acknowledge and Close
	opMu sync.Mutex

	mu          sync.Mutex
	phase       Phase
	endpoint    *catalog.Endpoint
	proc        *process
	lastErr     error
	startedAt   time.Time
	connectedAt time.Time
	changed     chan struct{}
	closed      bool

	locator     RuntimeLocator
	log         LineAppender
	bus         Publisher
	logger      *zap.Logger
	gracePeriod time.Duration
	stopTimeout time.Duration
	localPort   int
}

// New creates a Disconnected session.
func New(opts ...Option) *Session {
	s := &Session{
		phase:       Disconnected,
		changed:     make(chan struct{}),
		log:         eventlog.New(),
		logger:      zap.NewNop(),
		gracePeriod: config.DefaultGracePeriod,
		stopTimeout: config.DefaultStopTimeout,
		localPort:   config.DefaultLocalPort,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locator == nil {
		s.locator = NewLocator(config.DefaultProxyConfig(), s.logger)
	}
	return s
}

// Start launches the proxy for endpoint. It returns once the process is
// running; the move to Connected happens after the grace period. Start is
// rejected without side effects while a session is active.
func (s *Session) Start(ctx context.Context, endpoint catalog.Endpoint, secret string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.phase.Active() {
		phase := s.phase
		s.mu.Unlock()
		return fmt.Errorf("%w (%s)", ErrAlreadyActive, phase)
	}
	localPort := s.localPort
	s.mu.Unlock()

	if !endpoint.Configured {
		s.log.Append(fmt.Sprintf("Server for %s is not configured! Please set a valid IP address for '%s' (current host: %q).",
			endpoint.Country, endpoint.ID, endpoint.Host))
		return fmt.Errorf("%w: %s", ErrNotConfigured, endpoint.ID)
	}

	rt, err := s.locator.Locate(ctx)
	if err != nil {
		s.log.Append("ERROR: " + err.Error())
		s.logger.Warn("Proxy runtime unavailable", zap.Error(err))
		if !errors.Is(err, ErrDependencyMissing) {
			err = fmt.Errorf("%w: %v", ErrDependencyMissing, err)
		}
		return err
	}

	s.log.Append(fmt.Sprintf("Connecting to %s VPN server...", endpoint.Country))
	s.mu.Lock()
	ep := endpoint
	s.endpoint = &ep
	s.lastErr = nil
	s.startedAt = time.Now()
	s.connectedAt = time.Time{}
	s.transitionLocked(Connecting, "start")
	s.mu.Unlock()

	p, err := s.launch(rt, endpoint, secret, localPort)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrLaunchFailed, err)
		s.mu.Lock()
		s.lastErr = err
		s.transitionLocked(Failed, err.Error())
		s.mu.Unlock()
		s.log.Append("ERROR: " + err.Error())
		s.logger.Error("Proxy launch failed", zap.String("server", endpoint.ID), zap.Error(err))
		return err
	}

	s.logger.Info("Proxy process started",
		zap.String("server", endpoint.ID),
		zap.String("address", endpoint.Address()),
		zap.Int("pid", p.cmd.Process.Pid),
		zap.Int("local_port", localPort))
	return nil
}

func (s *Session) launch(rt Runtime, endpoint catalog.Endpoint, secret string, localPort int) (*process, error) {
	if err := checkPortFree(localPort); err != nil {
		return nil, err
	}

	args := append([]string{}, rt.Args...)
	args = append(args,
		"--server", fmt.Sprintf("%s:%d", endpoint.Host, endpoint.Port),
		"--port", strconv.Itoa(localPort))
	if secret != "" {
		args = append(args, "--password", secret)
	}

	cmd := exec.Command(rt.Interpreter, args...)
	cmd.Env = append(os.Environ(), rt.Env...)
	setupProcessGroup(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, err
	}
	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()

	p := &process{
		cmd:       cmd,
		endpoint:  endpoint,
		localPort: localPort,
		tail:      newTailBuffer(tailLines),
		exited:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go s.drain(p, outR, "[PROXY]", &readers)
	go s.drain(p, errR, "[ERROR]", &readers)
	go s.wait(p, &readers, outR, errR)
	go s.watchGrace(p)

	return p, nil
}

// drain forwards one output stream line by line. It keeps reading even when
// a line is too long so the process never blocks on a full pipe.
func (s *Session) drain(p *process, r io.Reader, tag string, readers *sync.WaitGroup) {
	defer readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := trimCR(scanner.Text())
		if line == "" {
			continue
		}
		tagged := tag + " " + line
		p.tail.Add(tagged)
		s.log.Append(tagged)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("Proxy output reader stopped", zap.String("stream", tag), zap.Error(err))
		_, _ = io.Copy(io.Discard, r)
	}
}

// wait reaps the process and, unless it was stopped on purpose, moves the
// session to Failed once the remaining output has been drained.
func (s *Session) wait(p *process, readers *sync.WaitGroup, pipes ...io.Closer) {
	err := p.cmd.Wait()

	// Leftover children would keep the pipes open and outlive the session.
	_ = killProcessGroup(p.cmd)

	s.mu.Lock()
	p.exitErr = err
	close(p.exited)
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		for _, c := range pipes {
			c.Close()
		}
		<-drained
	}
	for _, c := range pipes {
		c.Close()
	}

	s.mu.Lock()
	close(p.done)
	if s.proc != p || p.stopping {
		s.mu.Unlock()
		return
	}
	exitErr := &ExitError{
		Code:   exitCode(err),
		Tail:   p.tail.Lines(),
		During: s.phase == Connecting,
	}
	s.proc = nil
	s.lastErr = exitErr
	s.transitionLocked(Failed, exitErr.Error(), withExitCode(exitErr.Code))
	s.mu.Unlock()

	s.log.Append(fmt.Sprintf("ERROR: Proxy process exited unexpectedly (exit status %d)", exitErr.Code))
	if len(exitErr.Tail) > 0 {
		s.log.Append("Last proxy output:")
		for _, line := range exitErr.Tail {
			s.log.Append("  " + line)
		}
	}
	s.logger.Warn("Proxy process exited unexpectedly",
		zap.String("server", p.endpoint.ID),
		zap.Int("exit_code", exitErr.Code),
		zap.Bool("during_grace", exitErr.During))
}

// watchGrace promotes the session to Connected when the process survives the grace period.
func (s *Session) watchGrace(p *process) {
	timer := time.NewTimer(s.gracePeriod)
	defer timer.Stop()

	select {
	case <-p.exited:
		return
	case <-timer.C:
	}

	s.mu.Lock()
	select {
	case <-p.exited:
		s.mu.Unlock()
		return
	default:
	}
	if s.proc != p || p.stopping || s.phase != Connecting {
		s.mu.Unlock()
		return
	}
	s.connectedAt = time.Now()
	s.transitionLocked(Connected, "grace period elapsed")
	s.mu.Unlock()

	e := p.endpoint
	s.log.Append(fmt.Sprintf("✓ Successfully connected to %s VPN!", e.Country))
	s.log.Append(fmt.Sprintf("Your IP will now appear as if you're in %s", e.Country))
	s.log.Append(fmt.Sprintf("SOCKS5 Proxy: 127.0.0.1:%d", p.localPort))
	s.log.Append("Configure your browser/applications to use this proxy.")
	s.logger.Info("Session connected", zap.String("server", e.ID))
}

// Stop terminates the proxy process group and returns to Disconnected. It
// is a no-op when already Disconnected.
func (s *Session) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Session) stopLocked(ctx context.Context) error {
	s.mu.Lock()
	p := s.proc
	if p == nil {
		if s.phase == Disconnected {
			s.mu.Unlock()
			return nil
		}
		s.endpoint = nil
		s.lastErr = nil
		s.transitionLocked(Disconnected, "stop")
		s.mu.Unlock()
		s.log.Append("Disconnected from VPN")
		return nil
	}
	p.stopping = true
	s.mu.Unlock()

	err := s.terminate(ctx, p)

	s.mu.Lock()
	s.proc = nil
	s.endpoint = nil
	s.lastErr = nil
	s.transitionLocked(Disconnected, "stop")
	s.mu.Unlock()

	s.log.Append("Disconnected from VPN")
	s.logger.Info("Session stopped", zap.String("server", p.endpoint.ID))
	return err
}

// terminate asks the process group to exit and kills it after the stop timeout.
func (s *Session) terminate(ctx context.Context, p *process) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	graceful := true
	if err := interruptProcessGroup(p.cmd); err != nil {
		s.logger.Debug("Graceful stop unavailable", zap.Error(err))
		graceful = false
	}

	if graceful {
		timer := time.NewTimer(s.stopTimeout)
		defer timer.Stop()
		select {
		case <-p.done:
			return nil
		case <-timer.C:
			s.logger.Warn("Proxy did not stop in time, killing process group",
				zap.Duration("timeout", s.stopTimeout))
		case <-ctx.Done():
		}
	}

	if err := killProcessGroup(p.cmd); err != nil {
		s.logger.Warn("Failed to kill process group", zap.Error(err))
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(config.ProcessReapTimeout):
		return fmt.Errorf("proxy process %d did not exit after kill", p.cmd.Process.Pid)
	}
}

// Acknowledge clears a Failed session back to Disconnected. It reports
// whether anything changed.
func (s *Session) Acknowledge() bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Failed {
		return false
	}
	s.endpoint = nil
	s.lastErr = nil
	s.transitionLocked(Disconnected, "acknowledged")
	return true
}

// Close stops any running process and rejects further starts. Call it on
// application exit.
func (s *Session) Close(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.stopLocked(ctx)
}

// SetLocalPort changes the listen port used by the next Start. A running
// process keeps the port it was launched with.
func (s *Session) SetLocalPort(port int) {
	if port <= 0 || port > 65535 {
		return
	}
	s.mu.Lock()
	s.localPort = port
	s.mu.Unlock()
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastError returns the error that moved the session to Failed, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Phase:       s.phase,
		LocalPort:   s.localPort,
		StartedAt:   s.startedAt,
		ConnectedAt: s.connectedAt,
	}
	if s.endpoint != nil {
		ep := *s.endpoint
		snap.Server = &ep
	}
	if s.proc != nil {
		snap.LocalPort = s.proc.localPort
		if s.proc.cmd.Process != nil {
			snap.PID = s.proc.cmd.Process.Pid
		}
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// WaitSettled blocks until the session leaves Connecting or ctx ends.
func (s *Session) WaitSettled(ctx context.Context) (Phase, error) {
	for {
		s.mu.Lock()
		phase, changed := s.phase, s.changed
		s.mu.Unlock()

		if phase != Connecting {
			return phase, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return phase, ctx.Err()
		}
	}
}

type transitionOption func(*events.PhaseChangeData)

func withExitCode(code int) transitionOption {
	return func(d *events.PhaseChangeData) { d.ExitCode = &code }
}

// transitionLocked must be called with s.mu held.
func (s *Session) transitionLocked(to Phase, reason string, opts ...transitionOption) {
	from := s.phase
	if from == to {
		return
	}
	if !canTransition(from, to) {
		s.logger.Error("invalid state transition",
			zap.Stringer("from", from),
			zap.Stringer("to", to))
		return
	}

	s.phase = to
	close(s.changed)
	s.changed = make(chan struct{})

	s.logger.Debug("Session phase changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("reason", reason))

	if s.bus == nil {
		return
	}
	data := events.PhaseChangeData{Reason: reason}
	for _, opt := range opts {
		opt(&data)
	}
	ev := events.Event{
		Type:     events.SessionPhaseChanged,
		OldState: from.String(),
		NewState: to.String(),
		Data:     data,
	}
	if s.endpoint != nil {
		ev.ServerID = s.endpoint.ID
	}
	s.bus.Publish(ev)
}

func checkPortFree(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("local port %d is not available: %w", port, err)
	}
	return ln.Close()
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func trimCR(line string) string {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}

// tailBuffer keeps the last n output lines.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{lines: make([]string, n)}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]string(nil), t.lines[:t.next]...)
	}
	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines[t.next:]...)
	return append(out, t.lines[:t.next]...)
}

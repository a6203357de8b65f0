package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"countryvpn/internal/catalog"
	"countryvpn/internal/eventlog"
	"countryvpn/internal/events"
)

// TestHelperProcess is not a real test. It stands in for the proxy script
// when the test binary re-executes itself.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "no mode")
		os.Exit(2)
	}
	mode, flags := args[0], args[1:]

	fmt.Println("listening " + strings.Join(flags, " "))
	switch mode {
	case "stay":
		fmt.Println("ready")
		sleepForever()
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("ready")
		sleepForever()
	case "exit-early":
		fmt.Fprintln(os.Stderr, "bind failed: address in use")
		os.Exit(3)
	case "exit-later":
		time.Sleep(400 * time.Millisecond)
		fmt.Fprintln(os.Stderr, "connection lost")
		os.Exit(4)
	}
	os.Exit(0)
}

func sleepForever() {
	for {
		time.Sleep(time.Hour)
	}
}

func helperLocator(mode string) StaticLocator {
	return StaticLocator{
		Interpreter: os.Args[0],
		Args:        []string{"-test.run=TestHelperProcess", "--", mode},
		Env:         []string{"GO_WANT_HELPER_PROCESS=1"},
	}
}

type countingLocator struct {
	calls atomic.Int32
	rt    Runtime
	err   error
}

func (c *countingLocator) Locate(context.Context) (Runtime, error) {
	c.calls.Add(1)
	return c.rt, c.err
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

type phaseRecorder struct {
	mu     sync.Mutex
	phases []string
}

func recordPhases(t *testing.T, bus *events.Bus) *phaseRecorder {
	r := &phaseRecorder{}
	ch := bus.Subscribe(events.SessionPhaseChanged)
	go func() {
		for ev := range ch {
			r.mu.Lock()
			r.phases = append(r.phases, ev.NewState)
			r.mu.Unlock()
		}
	}()
	t.Cleanup(bus.Close)
	return r
}

func (r *phaseRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.phases...)
}

type fixture struct {
	session *Session
	log     *eventlog.Log
	bus     *events.Bus
	port    int
}

func newFixture(t *testing.T, locator RuntimeLocator, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		log:  eventlog.New(),
		bus:  events.NewBus(),
		port: freePort(t),
	}
	base := []Option{
		WithLocator(locator),
		WithEventLog(f.log),
		WithBus(f.bus),
		WithLogger(zap.NewNop()),
		WithLocalPort(f.port),
		WithGracePeriod(200 * time.Millisecond),
		WithStopTimeout(500 * time.Millisecond),
	}
	f.session = New(append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.session.Close(ctx)
	})
	return f
}

func (f *fixture) logContains(substr string) bool {
	for _, line := range f.log.Lines() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func settle(t *testing.T, s *Session) Phase {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	phase, err := s.WaitSettled(ctx)
	require.NoError(t, err)
	return phase
}

var france = catalog.NewEndpoint("france", "France", "192.0.2.10", 8888, "Paris")

func TestStart_NotConfiguredSpawnsNothing(t *testing.T) {
	c, err := catalog.Load(strings.NewReader(`{"servers": {"paris": {"host":"your_server_ip","port":8888}}}`))
	require.NoError(t, err)
	paris, ok := c.Get("paris")
	require.True(t, ok)
	require.False(t, paris.Configured)

	locator := &countingLocator{rt: Runtime(helperLocator("stay"))}
	f := newFixture(t, locator)

	err = f.session.Start(context.Background(), paris, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, Disconnected, f.session.Phase())
	assert.Equal(t, int32(0), locator.calls.Load(), "no runtime lookup and no process")
	assert.Zero(t, f.session.Snapshot().PID)
	assert.True(t, f.logContains("is not configured"))
}

func TestStart_DependencyMissing(t *testing.T) {
	f := newFixture(t, StaticLocator{})

	err := f.session.Start(context.Background(), france, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyMissing)
	assert.Equal(t, Disconnected, f.session.Phase())

	f2 := newFixture(t, &countingLocator{err: errors.New("lookup broke")})
	err = f2.session.Start(context.Background(), france, "")
	assert.ErrorIs(t, err, ErrDependencyMissing)
	assert.Equal(t, Disconnected, f2.session.Phase())
}

func TestStart_ConnectsAfterGracePeriod(t *testing.T) {
	f := newFixture(t, helperLocator("stay"))
	phases := recordPhases(t, f.bus)

	require.NoError(t, f.session.Start(context.Background(), france, "s3cret"))
	assert.Equal(t, Connecting, f.session.Phase())

	snap := f.session.Snapshot()
	assert.NotZero(t, snap.PID)
	require.NotNil(t, snap.Server)
	assert.Equal(t, "france", snap.Server.ID)
	assert.Equal(t, f.port, snap.LocalPort)

	assert.Equal(t, Connected, settle(t, f.session))
	assert.False(t, f.session.Snapshot().ConnectedAt.IsZero())

	want := fmt.Sprintf("[PROXY] listening --server 192.0.2.10:8888 --port %d --password s3cret", f.port)
	require.Eventually(t, func() bool { return f.logContains(want) }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.logContains("[PROXY] ready"))
	assert.True(t, f.logContains("✓ Successfully connected to France VPN!"))
	assert.True(t, f.logContains(fmt.Sprintf("SOCKS5 Proxy: 127.0.0.1:%d", f.port)))

	require.NoError(t, f.session.Stop(context.Background()))
	assert.Equal(t, Disconnected, f.session.Phase())
	assert.Nil(t, f.session.Snapshot().Server)
	assert.True(t, f.logContains("Disconnected from VPN"))

	require.Eventually(t, func() bool {
		return len(phases.get()) == 3
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Connecting", "Connected", "Disconnected"}, phases.get())
}

func TestStart_RejectsReentrantStart(t *testing.T) {
	f := newFixture(t, helperLocator("stay"))
	require.NoError(t, f.session.Start(context.Background(), france, ""))
	pid := f.session.Snapshot().PID
	lines := f.log.Len()

	// While Connecting
	err := f.session.Start(context.Background(), france, "")
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, pid, f.session.Snapshot().PID)

	// While Connected
	require.Equal(t, Connected, settle(t, f.session))
	other := catalog.NewEndpoint("usa", "USA", "192.0.2.20", 9000, "")
	err = f.session.Start(context.Background(), other, "")
	assert.ErrorIs(t, err, ErrAlreadyActive)

	snap := f.session.Snapshot()
	assert.Equal(t, pid, snap.PID)
	assert.Equal(t, "france", snap.Server.ID)
	assert.Equal(t, Connected, snap.Phase)
	assert.False(t, f.logContains("Connecting to USA"), "rejected start leaves no trace")
	assert.GreaterOrEqual(t, f.log.Len(), lines)
}

func TestSetLocalPort_RunningProcessKeepsItsPort(t *testing.T) {
	f := newFixture(t, helperLocator("stay"))
	require.NoError(t, f.session.Start(context.Background(), france, ""))
	require.Equal(t, Connected, settle(t, f.session))

	f.session.SetLocalPort(f.port + 1)
	assert.Equal(t, f.port, f.session.Snapshot().LocalPort)

	require.NoError(t, f.session.Stop(context.Background()))
	assert.Equal(t, f.port+1, f.session.Snapshot().LocalPort, "next start uses the new port")
}

func TestStop_IdempotentWhenDisconnected(t *testing.T) {
	f := newFixture(t, helperLocator("stay"))
	phases := recordPhases(t, f.bus)

	require.NoError(t, f.session.Stop(context.Background()))
	require.NoError(t, f.session.Stop(context.Background()))

	assert.Equal(t, Disconnected, f.session.Phase())
	assert.Equal(t, 0, f.log.Len())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, phases.get())
}

func TestEarlyExit_FailsNeverConnects(t *testing.T) {
	f := newFixture(t, helperLocator("exit-early"), WithGracePeriod(2*time.Second))
	phases := recordPhases(t, f.bus)

	require.NoError(t, f.session.Start(context.Background(), france, ""))
	assert.Equal(t, Failed, settle(t, f.session))

	err := f.session.LastError()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExitedUnexpectedly)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.True(t, exitErr.During)
	assert.Contains(t, exitErr.Tail, "[ERROR] bind failed: address in use")

	assert.True(t, f.logContains("[ERROR] bind failed: address in use"))
	assert.True(t, f.logContains("exited unexpectedly (exit status 3)"))
	assert.Zero(t, f.session.Snapshot().PID)

	// Give a late grace timer the chance to misbehave.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Failed, f.session.Phase())
	assert.NotContains(t, phases.get(), "Connected")
}

func TestLateExit_ConnectedThenFailed(t *testing.T) {
	f := newFixture(t, helperLocator("exit-later"), WithGracePeriod(100*time.Millisecond))

	require.NoError(t, f.session.Start(context.Background(), france, ""))
	assert.Equal(t, Connected, settle(t, f.session))

	require.Eventually(t, func() bool {
		return f.session.Phase() == Failed
	}, 5*time.Second, 10*time.Millisecond)

	var exitErr *ExitError
	require.True(t, errors.As(f.session.LastError(), &exitErr))
	assert.Equal(t, 4, exitErr.Code)
	assert.False(t, exitErr.During)
	assert.Contains(t, f.session.Snapshot().LastError, "connection lost")
}

func TestFailed_AcknowledgeAndRetry(t *testing.T) {
	f := newFixture(t, helperLocator("exit-early"))

	require.NoError(t, f.session.Start(context.Background(), france, ""))
	require.Equal(t, Failed, settle(t, f.session))

	// Retry straight from Failed is allowed.
	require.NoError(t, f.session.Start(context.Background(), france, ""))
	require.Equal(t, Failed, settle(t, f.session))

	assert.True(t, f.session.Acknowledge())
	assert.Equal(t, Disconnected, f.session.Phase())
	assert.Nil(t, f.session.LastError())
	assert.False(t, f.session.Acknowledge(), "nothing to acknowledge")
}

func TestStop_FromFailed(t *testing.T) {
	f := newFixture(t, helperLocator("exit-early"))
	require.NoError(t, f.session.Start(context.Background(), france, ""))
	require.Equal(t, Failed, settle(t, f.session))

	require.NoError(t, f.session.Stop(context.Background()))
	assert.Equal(t, Disconnected, f.session.Phase())
}

func TestStart_LocalPortBusy(t *testing.T) {
	f := newFixture(t, helperLocator("stay"))

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", f.port))
	require.NoError(t, err)
	defer ln.Close()

	err = f.session.Start(context.Background(), france, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.Equal(t, Failed, f.session.Phase())
	assert.Zero(t, f.session.Snapshot().PID)
}

func TestStart_MissingInterpreterIsLaunchFailure(t *testing.T) {
	f := newFixture(t, StaticLocator{Interpreter: "/nonexistent/python-proxy"})

	err := f.session.Start(context.Background(), france, "")
	assert.ErrorIs(t, err, ErrLaunchFailed)
	assert.Equal(t, Failed, f.session.Phase())
}

func TestClose_StopsAndRejects(t *testing.T) {
	f := newFixture(t, helperLocator("stay"))
	require.NoError(t, f.session.Start(context.Background(), france, ""))

	require.NoError(t, f.session.Close(context.Background()))
	assert.Equal(t, Disconnected, f.session.Phase())

	err := f.session.Start(context.Background(), france, "")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, f.session.Close(context.Background()))
}

func TestWaitSettled_ContextEnds(t *testing.T) {
	f := newFixture(t, helperLocator("stay"), WithGracePeriod(time.Minute))
	require.NoError(t, f.session.Start(context.Background(), france, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	phase, err := f.session.WaitSettled(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Connecting, phase)
}

func TestPhaseTransitions(t *testing.T) {
	assert.True(t, canTransition(Disconnected, Connecting))
	assert.True(t, canTransition(Connecting, Connected))
	assert.True(t, canTransition(Connecting, Failed))
	assert.True(t, canTransition(Connected, Disconnected))
	assert.True(t, canTransition(Failed, Connecting))
	assert.True(t, canTransition(Failed, Disconnected))

	assert.False(t, canTransition(Disconnected, Connected))
	assert.False(t, canTransition(Disconnected, Failed))
	assert.False(t, canTransition(Failed, Connected))
	assert.False(t, canTransition(Connected, Connecting))

	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Unknown", Phase(42).String())
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(3)
	assert.Empty(t, tb.Lines())
	tb.Add("a")
	tb.Add("b")
	assert.Equal(t, []string{"a", "b"}, tb.Lines())
	tb.Add("c")
	tb.Add("d")
	assert.Equal(t, []string{"b", "c", "d"}, tb.Lines())
}

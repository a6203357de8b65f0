package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

var (
	// ErrNoReply means the echo request went out but nothing came back in time.
	ErrNoReply = errors.New("no echo reply")
	// ErrEchoNotPermitted means the OS refused both datagram and raw ICMP sockets.
	ErrEchoNotPermitted = errors.New("ICMP echo not permitted")
)

// ICMPPinger sends a single ICMP echo request. It uses unprivileged
// datagram sockets except on Windows, where only raw sockets work. When the
// OS refuses datagram ICMP (Linux ping_group_range) it retries with a raw socket.
type ICMPPinger struct{}

// Ping implements Pinger.
func (ICMPPinger) Ping(ctx context.Context, host string, timeout time.Duration) error {
	privileged := runtime.GOOS == "windows"
	err := ping(ctx, host, timeout, privileged)
	if !privileged && isPermission(err) {
		err = ping(ctx, host, timeout, true)
	}
	if isPermission(err) {
		return fmt.Errorf("%w: %v", ErrEchoNotPermitted, err)
	}
	return err
}

func isPermission(err error) bool {
	return err != nil && errors.Is(err, os.ErrPermission)
}

func ping(ctx context.Context, host string, timeout time.Duration, privileged bool) error {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(privileged)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()

	if err := pinger.Run(); err != nil {
		return fmt.Errorf("echo to %s failed: %w", host, err)
	}
	if pinger.Statistics().PacketsRecv == 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrNoReply
	}
	return nil
}

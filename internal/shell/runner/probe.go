package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// errPeerClosed means the published port accepted a connection and dropped
// it. Userland port proxies do this while nothing listens in the container.
var errPeerClosed = errors.New("connection closed by peer")

// waitListening dials host:port until a connection is accepted and held open
// for hold, or ctx ends.
func waitListening(ctx context.Context, host string, port int, interval, hold time.Duration) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: time.Second}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = 10 * interval
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		defer conn.Close()
		return holdsOpen(conn, hold)
	}, backoff.WithContext(b, ctx))
}

// holdsOpen reports nil when conn stays open without data for d, or when the
// peer sends something. An EOF or reset inside d is errPeerClosed.
func holdsOpen(conn net.Conn, d time.Duration) error {
	if err := conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return err
	}
	var buf [1]byte
	n, err := conn.Read(buf[:])
	if n > 0 || errors.Is(err, os.ErrDeadlineExceeded) {
		return nil
	}
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", errPeerClosed, err)
}

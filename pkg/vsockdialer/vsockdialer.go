// Package vsockdialer implements the isolated-pod guest-agent channel of
// spec §4.7 step 5: a UNIX-stream dial to the host's vsock proxy socket,
// followed by a "CONNECT <port>\n" / "OK" text handshake before the
// connection is handed off as a raw byte stream (pkg/pod speaks
// newline-delimited JSON over it, not gRPC).
package vsockdialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"feos/pkg/defaults"
	feoserrors "feos/pkg/errors"
	"feos/pkg/log"
)

const okLine = "OK"

// Dial connects to the UNIX socket at socketPath, performs the
// "CONNECT <port>\n" / "OK" handshake, and returns the raw connection for
// the caller's protocol. It retries VsockDialAttempts times, VsockDialInterval
// apart, returning GuestAgentUnreachable on exhaustion (spec §4.7).
func Dial(ctx context.Context, socketPath string, port int) (net.Conn, error) {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"service": "vsockdialer", "socket": socketPath})

	var lastErr error

	for attempt := 0; attempt < defaults.VsockDialAttempts; attempt++ {
		conn, err := dialOnce(ctx, socketPath, port)
		if err == nil {
			return conn, nil
		}

		lastErr = err

		logger.WithError(err).WithField("attempt", attempt+1).Debug("vsock proxy dial failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(defaults.VsockDialInterval):
		}
	}

	return nil, feoserrors.Wrap(feoserrors.KindGuestAgentUnreachable, "dialing vsock proxy at "+socketPath, lastErr)
}

func dialOnce(ctx context.Context, socketPath string, port int) (net.Conn, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, err
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, err
	}

	// Read the handshake reply one byte at a time: a buffered reader would
	// risk swallowing the first bytes of the caller's stream that immediately
	// follows "OK\n" on the same connection.
	line, err := readLine(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if line != okLine {
		conn.Close()
		return nil, fmt.Errorf("vsock proxy rejected connect: %q", line)
	}

	return conn, nil
}

func readLine(conn net.Conn) (string, error) {
	buf := make([]byte, 0, 16)
	b := make([]byte, 1)

	for {
		n, err := conn.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				break
			}

			if b[0] != '\r' {
				buf = append(buf, b[0])
			}
		}

		if err != nil {
			return "", err
		}
	}

	return string(buf), nil
}

package vmm

import (
	"context"
	"io"
	"net"

	feoserrors "feos/pkg/errors"
	"feos/pkg/ids"
)

// ConsoleStream opens id's console UNIX socket and returns a reader.
// Cancelling ctx aborts the read; the underlying hypervisor-side socket is
// left open (spec §4.1: "the process socket remains open").
func (s *Service) ConsoleStream(ctx context.Context, id ids.WorkloadId) (io.ReadCloser, error) {
	e, ok := s.get(id)
	if !ok {
		return nil, errNotInitialised(id)
	}

	var d net.Dialer

	conn, err := d.DialContext(ctx, "unix", e.consoleSocket)
	if err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindSocketTimeout, "dialing console socket", err)
	}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	return conn, nil
}

package vmm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	feoserrors "feos/pkg/errors"
)

// chClient issues a single request against the Cloud-Hypervisor HTTP API
// exposed over a UNIX socket. Per spec §4.1 ("On every call, Vmm opens a
// fresh client connection; it does not hold a long-lived socket handle"),
// every call builds its own short-lived *http.Client.
func chClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 10 * time.Second,
	}
}

// chCall issues method against endpoint (e.g. "vm.create") on the given
// API socket with body marshalled as JSON, if non-nil.
func chCall(ctx context.Context, socketPath, method, endpoint string, body any) ([]byte, error) {
	var reader io.Reader

	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, feoserrors.Wrap(feoserrors.KindInternal, "marshalling request body", err)
		}

		reader = bytes.NewReader(buf)
	}

	// The hypervisor API socket's HTTP host portion is irrelevant since we
	// dial a UNIX socket directly; "localhost" is conventional filler.
	url := fmt.Sprintf("http://localhost/api/v1/%s", endpoint)

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindInternal, "building hypervisor request", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := chClient(socketPath).Do(req)
	if err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindBackendRejected, "calling hypervisor "+endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindInternal, "reading hypervisor response", err)
	}

	if resp.StatusCode/100 != 2 {
		return nil, feoserrors.New(feoserrors.KindBackendRejected,
			fmt.Sprintf("hypervisor %s returned %d: %s", endpoint, resp.StatusCode, string(respBody)))
	}

	return respBody, nil
}

package pod

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	feoserrors "feos/pkg/errors"
)

// GuestAgentClient is the composer's view of the in-micro-VM agent reached
// over a VsockDialer channel (spec §4.7). The wire definition of the
// outward RPC surface is out of scope (spec §1); this package only needs a
// typed request/response shape for the handful of operations the composer
// forwards, so the concrete client below speaks newline-delimited JSON over
// the handed-off socket rather than a generated protobuf stub.
type GuestAgentClient interface {
	CreateContainer(ctx context.Context, image string, command []string) (string, error)
	RunContainer(ctx context.Context, containerID string) error
	KillContainer(ctx context.Context, containerID, signal string) error
	StateContainer(ctx context.Context, containerID string) (string, error)
	DeleteContainer(ctx context.Context, containerID string) error
	Close() error
}

type guestAgentRequest struct {
	Method      string   `json:"method"`
	Image       string   `json:"image,omitempty"`
	Command     []string `json:"command,omitempty"`
	ContainerID string   `json:"container_id,omitempty"`
	Signal      string   `json:"signal,omitempty"`
}

type guestAgentResponse struct {
	ContainerID string `json:"container_id,omitempty"`
	State       string `json:"state,omitempty"`
	Error       string `json:"error,omitempty"`
}

// jsonGuestAgentClient implements GuestAgentClient over a single
// already-established net.Conn (the vsock proxy connection).
type jsonGuestAgentClient struct {
	conn net.Conn
	mu   sync.Mutex
	enc  *json.Encoder
	dec  *bufio.Reader
}

func newJSONGuestAgentClient(conn net.Conn) GuestAgentClient {
	return &jsonGuestAgentClient{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  bufio.NewReader(conn),
	}
}

func (c *jsonGuestAgentClient) call(ctx context.Context, req guestAgentRequest) (guestAgentResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	if err := c.enc.Encode(req); err != nil {
		return guestAgentResponse{}, feoserrors.Wrap(feoserrors.KindGuestAgentUnreachable, "writing guest agent request", err)
	}

	line, err := c.dec.ReadBytes('\n')
	if err != nil {
		return guestAgentResponse{}, feoserrors.Wrap(feoserrors.KindGuestAgentUnreachable, "reading guest agent response", err)
	}

	var resp guestAgentResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return guestAgentResponse{}, feoserrors.Wrap(feoserrors.KindGuestAgentUnreachable, "decoding guest agent response", err)
	}

	if resp.Error != "" {
		return guestAgentResponse{}, feoserrors.New(feoserrors.KindBackendRejected, resp.Error)
	}

	return resp, nil
}

func (c *jsonGuestAgentClient) CreateContainer(ctx context.Context, image string, command []string) (string, error) {
	resp, err := c.call(ctx, guestAgentRequest{Method: "create_container", Image: image, Command: command})
	if err != nil {
		return "", err
	}

	return resp.ContainerID, nil
}

func (c *jsonGuestAgentClient) RunContainer(ctx context.Context, containerID string) error {
	_, err := c.call(ctx, guestAgentRequest{Method: "run_container", ContainerID: containerID})

	return err
}

func (c *jsonGuestAgentClient) KillContainer(ctx context.Context, containerID, signal string) error {
	_, err := c.call(ctx, guestAgentRequest{Method: "kill_container", ContainerID: containerID, Signal: signal})

	return err
}

func (c *jsonGuestAgentClient) StateContainer(ctx context.Context, containerID string) (string, error) {
	resp, err := c.call(ctx, guestAgentRequest{Method: "state_container", ContainerID: containerID})
	if err != nil {
		return "", err
	}

	return resp.State, nil
}

func (c *jsonGuestAgentClient) DeleteContainer(ctx context.Context, containerID string) error {
	_, err := c.call(ctx, guestAgentRequest{Method: "delete_container", ContainerID: containerID})

	return err
}

func (c *jsonGuestAgentClient) Close() error {
	return c.conn.Close()
}

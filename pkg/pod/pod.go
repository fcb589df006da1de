// Package pod implements the IsolatedPodComposer of spec §4.7: a container
// workload that runs inside a purpose-spawned micro-VM rather than directly
// on the host. The composer owns its nested VM directly through pkg/vmm
// rather than through a dispatcher actor, since the micro-VM is an
// implementation detail of the pod, never addressed as a tenant-visible VM.
package pod

import (
	"context"
	"net"
	"net/netip"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"feos/pkg/defaults"
	feoserrors "feos/pkg/errors"
	"feos/pkg/ids"
	"feos/pkg/log"
	"feos/pkg/models"
	"feos/pkg/network"
	"feos/pkg/network/prefix"
	"feos/pkg/network/radv"
	"feos/pkg/vmm"
	"feos/pkg/vsockdialer"
)

// Config bundles the composer's static parameters (spec §4.7, §6).
type Config struct {
	// KernelPath and InitramfsPath locate the node-local nested-agent boot
	// image shared by every isolated pod's micro-VM.
	KernelPath     string
	InitramfsPath  string
	VsockSocketDir string
	VsockProxyPort int
	TapMTU         int
}

func (c Config) withDefaults() Config {
	if c.VsockSocketDir == "" {
		c.VsockSocketDir = defaults.VsockSocketDir
	}

	if c.VsockProxyPort == 0 {
		c.VsockProxyPort = defaults.IsolatedPodVsockPort
	}

	if c.TapMTU == 0 {
		c.TapMTU = defaults.IsolatedPodTapMTU
	}

	return c
}

// dialFunc abstracts vsockdialer.Dial so tests can substitute a fake guest
// agent without a real UNIX socket.
type dialFunc func(ctx context.Context, socketPath string, port int) (net.Conn, error)

// podEntry is the composer's bookkeeping for one live isolated pod.
type podEntry struct {
	record     *models.IsolatedPodRecord
	tapName    string
	subPrefix  netip.Prefix
	radv       *radv.TapRouterAdv
	radvCancel context.CancelFunc
	agent      GuestAgentClient
}

// Composer drives the full CreateIsolatedPod/DeleteIsolatedPod lifecycle
// (spec §4.7) and routes per-container operations to each pod's guest
// agent channel.
type Composer struct {
	vmm         *vmm.Service
	prefixAlloc *prefix.Allocator
	cfg         Config

	dial          dialFunc
	newGuestAgent func(net.Conn) GuestAgentClient

	mu   sync.Mutex
	pods map[ids.WorkloadId]*podEntry
}

// New constructs a Composer bound to vmmSvc and the node's delegated-prefix
// allocator.
func New(vmmSvc *vmm.Service, prefixAlloc *prefix.Allocator, cfg Config) *Composer {
	return &Composer{
		vmm:           vmmSvc,
		prefixAlloc:   prefixAlloc,
		cfg:           cfg.withDefaults(),
		dial:          vsockdialer.Dial,
		newGuestAgent: newJSONGuestAgentClient,
		pods:          make(map[ids.WorkloadId]*podEntry),
	}
}

func podTapName(id ids.WorkloadId) string {
	return "feos-" + id.ShortHex()
}

// CreateIsolatedPod runs the full bring-up sequence of spec §4.7 steps 1-6.
// Any failure after the sub-prefix reservation tears down everything
// brought up so far and always releases the prefix last (scoped-release
// discipline, spec §9).
func (c *Composer) CreateIsolatedPod(ctx context.Context, image string, command []string) (podRecord *models.IsolatedPodRecord, err error) {
	logger := log.GetLogger(ctx).WithField("service", "pod")

	id := ids.NewWorkloadId()

	subPrefix, err := c.prefixAlloc.Allocate(id, defaults.IsolatedPodSubPrefix)
	if err != nil {
		return nil, err
	}

	var (
		tapName    string
		tapRA      *radv.TapRouterAdv
		radvCancel context.CancelFunc
		vmCreated  bool
		agent      GuestAgentClient
	)

	defer func() {
		if err == nil {
			return
		}

		if agent != nil {
			_ = agent.Close()
		}

		if radvCancel != nil {
			radvCancel()
		}

		if tapRA != nil {
			_ = tapRA.Close()
		}

		if tapName != "" {
			if derr := network.DeleteTap(ctx, tapName); derr != nil {
				logger.WithError(derr).Warn("failed to remove tap during failed pod bring-up")
			}
		}

		if vmCreated {
			if derr := c.vmm.Delete(ctx, id); derr != nil {
				logger.WithError(derr).Warn("failed to delete vm during failed pod bring-up")
			}
		}

		c.prefixAlloc.Release(id)
	}()

	if err = c.vmm.Init(ctx, id, true); err != nil {
		return nil, err
	}

	vmCreated = true

	boot := models.Boot{
		Kind:          models.BootKernel,
		KernelPath:    c.cfg.KernelPath,
		InitramfsPath: c.cfg.InitramfsPath,
		Cmdline:       defaults.IsolatedPodCmdline,
	}

	memoryBytes := uint64(defaults.IsolatedPodMemoryMB) * 1024 * 1024

	if err = c.vmm.Create(ctx, id, uint32(defaults.IsolatedPodVCPU), memoryBytes, boot, nil); err != nil {
		return nil, err
	}

	if err = c.vmm.Boot(ctx, id); err != nil {
		return nil, err
	}

	tapName = podTapName(id)

	if err = network.CreateTap(ctx, tapName, c.cfg.TapMTU); err != nil {
		return nil, err
	}

	nic := models.NicAttachment{Kind: models.NicTap, TapName: tapName}

	if err = c.vmm.AddNet(ctx, id, nic); err != nil {
		return nil, err
	}

	tapRA, err = radv.New(tapName, subPrefix, nil, c.cfg.TapMTU, defaults.RouterAdvertLifetime)
	if err != nil {
		return nil, err
	}

	var radvCtx context.Context

	radvCtx, radvCancel = context.WithCancel(context.WithoutCancel(ctx))

	go func() {
		if runErr := tapRA.Run(radvCtx, id); runErr != nil {
			logger.WithError(runErr).WithField("workload_id", id.String()).Debug("router advertisement loop stopped")
		}
	}()

	socketPath := filepath.Join(c.cfg.VsockSocketDir, "vsock"+tapName+".sock")

	conn, derr := c.dial(ctx, socketPath, c.cfg.VsockProxyPort)
	if derr != nil {
		err = derr

		return nil, err
	}

	agent = c.newGuestAgent(conn)

	innerID, cerr := agent.CreateContainer(ctx, image, command)
	if cerr != nil {
		err = feoserrors.Wrap(feoserrors.KindGuestAgentUnreachable, "guest agent rejected create_container", cerr)

		return nil, err
	}

	containerID := ids.NewContainerId()

	record := &models.IsolatedPodRecord{
		VM: &models.VmRecord{
			ID:          id,
			CPU:         uint32(defaults.IsolatedPodVCPU),
			MemoryBytes: memoryBytes,
			Boot:        boot,
			State:       models.VmRunning,
			Nics:        []models.NicAttachment{nic},
		},
		Containers: []*models.ContainerRecord{{
			ID:      containerID,
			Image:   image,
			Command: command,
			State:   models.ContainerCreated,
		}},
		InnerIDs: map[ids.ContainerId]string{containerID: innerID},
	}

	c.mu.Lock()
	c.pods[id] = &podEntry{
		record:     record,
		tapName:    tapName,
		subPrefix:  subPrefix,
		radv:       tapRA,
		radvCancel: radvCancel,
		agent:      agent,
	}
	c.mu.Unlock()

	return record, nil
}

func (c *Composer) lookupPod(id ids.WorkloadId) (*podEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.pods[id]
	if !ok {
		return nil, feoserrors.NotFoundf("isolated pod %s not found", id.String())
	}

	return e, nil
}

func innerContainerID(entry *podEntry, containerID ids.ContainerId) (string, error) {
	inner, ok := entry.record.InnerIDs[containerID]
	if !ok {
		return "", feoserrors.NotFoundf("container %s not found in pod", containerID.String())
	}

	return inner, nil
}

func setContainerState(entry *podEntry, containerID ids.ContainerId, state models.ContainerState) {
	for _, cr := range entry.record.Containers {
		if cr.ID == containerID {
			cr.State = state

			return
		}
	}
}

// RunContainer forwards runContainer to the pod's guest agent (spec §4.7,
// "Subsequent ... are routed to the guest agent over the same channel").
func (c *Composer) RunContainer(ctx context.Context, podID ids.WorkloadId, containerID ids.ContainerId) error {
	entry, err := c.lookupPod(podID)
	if err != nil {
		return err
	}

	inner, err := innerContainerID(entry, containerID)
	if err != nil {
		return err
	}

	if err := entry.agent.RunContainer(ctx, inner); err != nil {
		return err
	}

	c.mu.Lock()
	setContainerState(entry, containerID, models.ContainerRunning)
	c.mu.Unlock()

	return nil
}

// KillContainer forwards killContainer to the pod's guest agent.
func (c *Composer) KillContainer(ctx context.Context, podID ids.WorkloadId, containerID ids.ContainerId, signal string) error {
	entry, err := c.lookupPod(podID)
	if err != nil {
		return err
	}

	inner, err := innerContainerID(entry, containerID)
	if err != nil {
		return err
	}

	return entry.agent.KillContainer(ctx, inner, signal)
}

// StateContainer forwards stateContainer to the pod's guest agent.
func (c *Composer) StateContainer(ctx context.Context, podID ids.WorkloadId, containerID ids.ContainerId) (string, error) {
	entry, err := c.lookupPod(podID)
	if err != nil {
		return "", err
	}

	inner, err := innerContainerID(entry, containerID)
	if err != nil {
		return "", err
	}

	return entry.agent.StateContainer(ctx, inner)
}

// DeleteContainer forwards deleteContainer to the pod's guest agent and
// drops the container from the pod's record.
func (c *Composer) DeleteContainer(ctx context.Context, podID ids.WorkloadId, containerID ids.ContainerId) error {
	entry, err := c.lookupPod(podID)
	if err != nil {
		return err
	}

	inner, err := innerContainerID(entry, containerID)
	if err != nil {
		return err
	}

	if err := entry.agent.DeleteContainer(ctx, inner); err != nil {
		return err
	}

	c.mu.Lock()
	delete(entry.record.InnerIDs, containerID)

	kept := entry.record.Containers[:0]

	for _, cr := range entry.record.Containers {
		if cr.ID != containerID {
			kept = append(kept, cr)
		}
	}

	entry.record.Containers = kept
	c.mu.Unlock()

	return nil
}

// DeleteIsolatedPod tears down containers first, then the TAP, then
// delegates to Vmm.delete, then releases the sub-prefix (spec §4.7). The
// prefix release always runs last, even if an earlier step fails
// (scoped-release discipline, spec §9).
func (c *Composer) DeleteIsolatedPod(ctx context.Context, id ids.WorkloadId) error {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"service": "pod", "workload_id": id.String()})

	c.mu.Lock()
	entry, ok := c.pods[id]
	if ok {
		delete(c.pods, id)
	}
	c.mu.Unlock()

	if !ok {
		return feoserrors.NotFoundf("isolated pod %s not found", id.String())
	}

	defer c.prefixAlloc.Release(id)

	var firstErr error

	for _, cr := range entry.record.Containers {
		inner, ok := entry.record.InnerIDs[cr.ID]
		if !ok {
			continue
		}

		if derr := entry.agent.DeleteContainer(ctx, inner); derr != nil {
			logger.WithError(derr).Warn("failed to delete inner container during pod teardown")

			if firstErr == nil {
				firstErr = derr
			}
		}
	}

	_ = entry.agent.Close()

	if entry.radvCancel != nil {
		entry.radvCancel()
	}

	if entry.radv != nil {
		_ = entry.radv.Close()
	}

	if derr := network.DeleteTap(ctx, entry.tapName); derr != nil {
		logger.WithError(derr).Warn("failed to remove tap during pod teardown")

		if firstErr == nil {
			firstErr = derr
		}
	}

	if verr := c.vmm.Delete(ctx, id); verr != nil {
		logger.WithError(verr).Warn("failed to delete vm during pod teardown")

		if firstErr == nil {
			firstErr = verr
		}
	}

	return firstErr
}

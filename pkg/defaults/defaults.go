// Package defaults centralises every default path, permission and timeout
// named in spec §6.
package defaults

import "time"

const (
	// CloudHypervisorBin is the default Cloud-Hypervisor binary name.
	CloudHypervisorBin = "cloud-hypervisor"

	// RuntimeBin is the default OCI-runtime binary name.
	RuntimeBin = "youki"

	// APISocketDir is where Vmm places per-VM Cloud-Hypervisor API sockets.
	APISocketDir = "/tmp/feos/vm_api_sockets"

	// ConsoleSocketDir is where Vmm places per-VM console sockets.
	ConsoleSocketDir = "/tmp/feos/consoles"

	// ImageDir is the read-only image blob store.
	ImageDir = "/tmp/feos/images"

	// VMDBURL is the conventional SQLite persistence DSN. The --vm-db-url
	// flag defaults to empty (persistence off), not to this value.
	VMDBURL = "sqlite:/var/lib/feos/vms.db"

	// APIListenAddr is the default bind address for the RPC facade.
	APIListenAddr = "127.0.0.1:9090"

	// DataDirPerm is the permission used for state directories.
	DataDirPerm = 0o755

	// DataFilePerm is the permission used for state files.
	DataFilePerm = 0o644

	// HypervisorMinMemoryBytes is the smallest memory size Cloud-Hypervisor
	// will boot (spec §3, B1).
	HypervisorMinMemoryBytes = 64 * 1024 * 1024

	// SocketPollInterval is how often Vmm.init polls for the API socket to
	// appear when wait_for_socket is set (spec §4.1).
	SocketPollInterval = 250 * time.Millisecond

	// SocketPollTimeout bounds the poll above.
	SocketPollTimeout = 2 * time.Second

	// DeleteVMGraceTimeout is how long Vmm.delete waits on the child after
	// vmm.shutdown-vmm before sending SIGKILL (spec §4.1).
	DeleteVMGraceTimeout = 5 * time.Second

	// BootTimeout bounds Booting -> Running (spec §4.6).
	BootTimeout = 10 * time.Second

	// DefaultSubprocessTimeout is the default wait applied to backend
	// subprocesses absent a caller-specified timeout (spec §5).
	DefaultSubprocessTimeout = 30 * time.Second

	// SubprocessGraceTimeout is the SIGTERM grace period before SIGKILL
	// when a subprocess wait expires (spec §5).
	SubprocessGraceTimeout = 5 * time.Second

	// CommandChannelCapacity bounds every WorkloadDispatcher command
	// channel (spec §4.6, §5).
	CommandChannelCapacity = 32

	// CommandSendTimeout is the deadline before a full command channel
	// fails the caller with Busy (spec §5).
	CommandSendTimeout = 1 * time.Second

	// EventMailboxCapacity bounds every event subscriber's mailbox (spec
	// §4.6, §5).
	EventMailboxCapacity = 64

	// VsockDialAttempts is the retry budget for IsolatedPodComposer's
	// guest-agent dial (spec §4.7).
	VsockDialAttempts = 20

	// VsockDialInterval is the delay between vsock dial attempts.
	VsockDialInterval = 2 * time.Second

	// DHCP6ClientPort is the well-known DHCPv6 client UDP port.
	DHCP6ClientPort = 546

	// DHCP6ServerPort is the well-known DHCPv6 server/relay UDP port.
	DHCP6ServerPort = 547

	// DHCP6PhaseTimeout bounds each SOLICIT/ADVERTISE/REQUEST/REPLY wait
	// (spec §4.4).
	DHCP6PhaseTimeout = 5 * time.Second

	// DHCP6MaxRetries is the retry budget for each DHCPv6 phase.
	DHCP6MaxRetries = 3

	// RouterAdvertLifetime is the RA router lifetime advertised on every
	// workload TAP (spec §4.3).
	RouterAdvertLifetime = 1800 * time.Second

	// RouterAdvertMaxInterval bounds unsolicited RA retransmission.
	RouterAdvertMaxInterval = 300 * time.Second

	// PrefixPreferredLifetime is the PIO preferred lifetime (spec §4.3).
	PrefixPreferredLifetime = 1200 * time.Second

	// PrefixValidLifetime is the PIO valid lifetime (spec §4.3).
	PrefixValidLifetime = 2400 * time.Second

	// RSReplyJitter bounds the jittered delay before replying to a Router
	// Solicitation (spec §4.3).
	RSReplyJitter = 200 * time.Millisecond

	// IsolatedPodVCPU and IsolatedPodMemoryMB are the fixed micro-VM shape
	// used for isolated pods (spec §4.7).
	IsolatedPodVCPU      = 2
	IsolatedPodMemoryMB  = 4096
	IsolatedPodSubPrefix = 80

	// IsolatedPodCmdline is the kernel command line used to boot the
	// nested-agent micro-VM (spec §4.7).
	IsolatedPodCmdline = "console=tty0 console=ttyS0,115200 intel_iommu=on iommu=pt"

	// IsolatedPodVsockPort is the guest-side port the nested agent listens
	// on behind the vsock proxy (spec §4.7, "CONNECT 1337").
	IsolatedPodVsockPort = 1337

	// VsockSocketDir is where Cloud-Hypervisor's --vsock device places the
	// host-side proxy socket for an isolated pod's micro-VM.
	VsockSocketDir = "/tmp/feos/vsock"

	// IsolatedPodTapMTU is the MTU set on an isolated pod's TAP.
	IsolatedPodTapMTU = 1500
)

package config

import (
	"net/netip"
	"time"

	"feos/pkg/log"
)

// Config is the structured configuration record described in the CLI/
// configuration section: ch_binary_path, runtime_binary_path,
// uplink_interface, delegated_prefix, ignore_ra_flag, vm_db_url,
// api_listen_addr, plus the ambient logging/timeout fields every component
// in this agent needs.
type Config struct {
	// Logging controls the root logger.
	Logging log.Config

	// ChBinaryPath is the Cloud-Hypervisor binary to invoke for every VM.
	ChBinaryPath string
	// RuntimeBinaryPath is the OCI-runtime binary (e.g. youki, runc) invoked
	// for every container.
	RuntimeBinaryPath string

	// UplinkInterface is the host NIC the DHCPv6 acquisition pipeline runs
	// against.
	UplinkInterface string
	// DelegatedPrefix is the tenant-facing prefix this node was delegated,
	// carved into per-workload sub-prefixes.
	DelegatedPrefix netip.Prefix
	// DelegatedPrefixRaw is the CIDR string bound to the command-line flag;
	// the run command parses it into DelegatedPrefix before composing the
	// prefix allocator.
	DelegatedPrefixRaw string
	// IgnoreRAFlag forces DHCPv6 acquisition even when the uplink's Router
	// Advertisement does not set the M-flag.
	IgnoreRAFlag bool

	// VMDbURL is the DSN for the optional SQLite persistence layer. An empty
	// string disables persistence entirely.
	VMDbURL string

	// APIListenAddr is the address the RPC facade binds to.
	APIListenAddr string

	// StateRootDir names a root directory for per-workload runtime state.
	// The --state-dir flag sets it, but nothing reads it: VM, console and
	// vsock sockets use the fixed directories in pkg/defaults.
	StateRootDir string

	// DispatchTimeout names a bound on how long a command waits on its
	// workload actor. No flag sets it and the dispatcher does not read it;
	// command sends are bounded by defaults.CommandSendTimeout.
	DispatchTimeout time.Duration
}

package flags

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"feos/internal/config"
	"feos/pkg/defaults"
)

const (
	chBinaryFlag        = "ch-binary"
	runtimeBinaryFlag   = "runtime-binary"
	stateDirFlag        = "state-dir"
	uplinkIfaceFlag     = "uplink-interface"
	delegatedPrefixFlag = "delegated-prefix"
	ignoreRAFlag        = "ignore-ra-flag"
	vmDbURLFlag         = "vm-db-url"
	apiListenFlag       = "api-listen-addr"
)

// BindCommandToViper binds cmd's flags to viper. Values are only read back
// from the flags into config.Config, so an env var or config-file value
// known to viper does not change the Config the agent runs with.
func BindCommandToViper(cmd *cobra.Command) {
	_ = viper.BindPFlags(cmd.Flags())
}

// AddBackendFlags adds the Cloud-Hypervisor/OCI-runtime binary flags (spec
// §6: ch_binary_path, runtime_binary_path).
func AddBackendFlags(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.ChBinaryPath, chBinaryFlag, defaults.CloudHypervisorBin,
		"The Cloud-Hypervisor binary to invoke for every VM.")

	cmd.Flags().StringVar(&cfg.RuntimeBinaryPath, runtimeBinaryFlag, defaults.RuntimeBin,
		"The OCI-runtime binary to invoke for every container.")

	cmd.Flags().StringVar(&cfg.StateRootDir, stateDirFlag, "/var/lib/feos",
		"A root directory for per-workload runtime state; no component reads it (sockets use fixed directories).")
}

// AddNetworkFlags adds the IPv6 provisioning pipeline flags (spec §6:
// uplink_interface, delegated_prefix, ignore_ra_flag).
func AddNetworkFlags(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.UplinkInterface, uplinkIfaceFlag, "",
		"The uplink interface DHCPv6 acquisition runs against.")

	cmd.Flags().StringVar(&cfg.DelegatedPrefixRaw, delegatedPrefixFlag, "",
		"The delegated IPv6 prefix (CIDR) this node carves tenant addresses from.")

	cmd.Flags().BoolVar(&cfg.IgnoreRAFlag, ignoreRAFlag, false,
		"Acquire a DHCPv6 lease even if the uplink's Router Advertisement does not set the M-flag.")
}

// AddAPIFlags adds the RPC facade and persistence flags (spec §6: vm_db_url,
// api_listen_addr).
func AddAPIFlags(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.VMDbURL, vmDbURLFlag, "",
		"The DSN for the optional SQLite persistence layer. Empty disables persistence.")

	cmd.Flags().StringVar(&cfg.APIListenAddr, apiListenFlag, defaults.APIListenAddr,
		"The address the RPC facade binds to.")
}

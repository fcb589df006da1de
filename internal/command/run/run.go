package run

import (
	"context"
	"net"
	"net/netip"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	cmdflags "feos/internal/command/flags"
	"feos/internal/config"
	"feos/pkg/api"
	"feos/pkg/defaults"
	"feos/pkg/dispatcher"
	"feos/pkg/ids"
	"feos/pkg/log"
	"feos/pkg/network"
	"feos/pkg/network/dhcp6"
	"feos/pkg/network/prefix"
	"feos/pkg/network/radv"
	"feos/pkg/pod"
	"feos/pkg/runc"
	"feos/pkg/store"
	"feos/pkg/vmm"
)

// NewCommand builds the "run" subcommand, which starts the agent: the
// Cloud-Hypervisor/OCI-runtime supervisors, the dispatcher, the isolated-pod
// composer, the uplink IPv6 provisioning pipeline, and the RPC facade.
func NewCommand(cfg *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the FeOS agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	cmdflags.AddBackendFlags(cmd, cfg)
	cmdflags.AddNetworkFlags(cmd, cfg)
	cmdflags.AddAPIFlags(cmd, cfg)

	return cmd, nil
}

// notifierBox forwards vmm/runc exit notifications to a Dispatcher that
// does not exist yet when Vmm/runc.Service are constructed; set() is called
// once the Dispatcher is built, closing the loop.
type notifierBox struct {
	target *dispatcher.Dispatcher
}

func (b *notifierBox) set(d *dispatcher.Dispatcher) { b.target = d }

func (b *notifierBox) NotifyExit(ctx context.Context, id ids.WorkloadId, exitCode int, failed bool, detail string) {
	if b.target != nil {
		b.target.NotifyExit(ctx, id, exitCode, failed, detail)
	}
}

func (b *notifierBox) NotifyContainerExit(ctx context.Context, id ids.ContainerId, exitCode int, failed bool) {
	if b.target != nil {
		b.target.NotifyContainerExit(ctx, id, exitCode, failed)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := log.GetLogger(ctx)
	logger.Info("starting feos agent")

	if cfg.DelegatedPrefixRaw != "" {
		p, err := netip.ParsePrefix(cfg.DelegatedPrefixRaw)
		if err != nil {
			return err
		}

		cfg.DelegatedPrefix = p
	}

	fs := afero.NewOsFs()

	notify := &notifierBox{}

	vmmSvc := vmm.New(vmm.Config{
		CloudHypervisorBin: cfg.ChBinaryPath,
		APISocketDir:       defaults.APISocketDir,
		ConsoleSocketDir:   defaults.ConsoleSocketDir,
		RunDetached:        true,
		DeleteVMTimeout:    defaults.DeleteVMGraceTimeout,
	}, fs, notify)

	runcSvc := runc.New(runc.Config{RuntimeBinaryPath: cfg.RuntimeBinaryPath}, fs, notify)

	d := dispatcher.New(vmmSvc, runcSvc)
	notify.set(d)

	defer d.Close()

	if cfg.VMDbURL != "" {
		vmStore, err := store.Open(cfg.VMDbURL)
		if err != nil {
			return err
		}

		defer vmStore.Close()

		restoreVmRecords(ctx, d, vmStore, logger)

		sub := d.Subscribe()

		go vmStore.Run(ctx, sub, d, logger)
	}

	prefixAlloc := prefix.New(cfg.DelegatedPrefix)

	podComposer := pod.New(vmmSvc, prefixAlloc, pod.Config{})

	if cfg.UplinkInterface != "" {
		go provisionUplink(ctx, logger, cfg)
	}

	server := api.NewServer(cfg.APIListenAddr, d, podComposer, vmmSvc, logger)

	return server.Run(ctx)
}

// restoreVmRecords seeds the dispatcher from whatever the persistence store
// has on disk (spec §6). No process is resumed; Dispatcher.Restore demotes
// anything that doesn't answer a ping to Failed.
func restoreVmRecords(ctx context.Context, d *dispatcher.Dispatcher, vmStore *store.Store, logger logrus.FieldLogger) {
	records, err := vmStore.LoadAll(ctx)
	if err != nil {
		logger.WithError(err).Warn("loading persisted vm records")

		return
	}

	for id, record := range records {
		d.Restore(ctx, id, record)
	}

	logger.WithField("count", len(records)).Info("restored persisted vm records")
}

// provisionUplink runs the IPv6 provisioning pipeline's uplink leg once at
// startup: solicit the uplink's Router Advertisement, then acquire a
// DHCPv6 lease if required and add its /128 address and a default route
// via the advertising router to the uplink (spec §4.4).
func provisionUplink(ctx context.Context, logger logrus.FieldLogger, cfg *config.Config) {
	adv, err := radv.SolicitUplink(ctx, cfg.UplinkInterface, defaults.DHCP6PhaseTimeout)
	if err != nil {
		logger.WithError(err).Warn("uplink router solicitation failed")

		return
	}

	iface, err := net.InterfaceByName(cfg.UplinkInterface)
	if err != nil {
		logger.WithError(err).Warn("looking up uplink interface")

		return
	}

	lease, err := dhcp6.Acquire(ctx, cfg.UplinkInterface, iface.HardwareAddr, adv.Managed, adv.RouterAddress, cfg.IgnoreRAFlag)
	if err != nil {
		if _, ok := err.(*dhcp6.NoDhcpRequired); ok {
			logger.WithField("router", adv.RouterAddress).Info("uplink router advertisement did not require dhcpv6")

			return
		}

		logger.WithError(err).Warn("uplink dhcpv6 acquisition failed")

		return
	}

	logger.WithField("address", lease.Address).Info("acquired uplink dhcpv6 lease")

	if err := network.AddAddress(ctx, cfg.UplinkInterface, lease.Address.String()+"/128"); err != nil {
		logger.WithError(err).Warn("adding uplink dhcpv6 address")

		return
	}

	if adv.RouterAddress != nil {
		if err := network.AddDefaultRoute(ctx, cfg.UplinkInterface, adv.RouterAddress); err != nil {
			logger.WithError(err).Warn("installing uplink default route")
		}
	}
}

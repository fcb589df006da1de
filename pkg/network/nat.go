package network

import (
	"context"
	"fmt"

	"github.com/coreos/go-iptables/iptables"
	sysctl "github.com/lorenzosaino/go-sysctl"
	"github.com/sirupsen/logrus"

	feoserrors "feos/pkg/errors"
	"feos/pkg/log"
)

// EnableForwarding turns on IPv6 forwarding and disables IPv6 RA acceptance
// on tapName (the agent is itself the router for every workload TAP, not a
// client of someone else's RA).
func EnableForwarding(ctx context.Context, tapName string) error {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"service": "network", "tap": tapName})
	logger.Debug("enabling ipv6 forwarding")

	if err := sysctl.Set("net.ipv6.conf.all.forwarding", "1"); err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "enabling ipv6 forwarding", err)
	}

	if err := sysctl.Set(fmt.Sprintf("net.ipv6.conf.%s.accept_ra", tapName), "0"); err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "disabling accept_ra on "+tapName, err)
	}

	return nil
}

// AddNATRules masquerades outbound traffic from tapName out uplinkName and
// allows established/related and tap-to-uplink forwarding.
func AddNATRules(ctx context.Context, tapName, uplinkName string) error {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
	if err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "creating ip6tables handle", err)
	}

	if err := ipt.AppendUnique("nat", "POSTROUTING", "-o", uplinkName, "-j", "MASQUERADE"); err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "adding MASQUERADE rule", err)
	}

	if err := ipt.InsertUnique("filter", "FORWARD", 1, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"); err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "adding established/related ACCEPT rule", err)
	}

	if err := ipt.InsertUnique("filter", "FORWARD", 1, "-i", tapName, "-o", uplinkName, "-j", "ACCEPT"); err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "adding forwarding rule from "+tapName, err)
	}

	return nil
}

// RemoveNATRules drops the tap-to-uplink forwarding rule added above. The
// shared MASQUERADE/established rules are left in place; they are harmless
// with no matching TAP present and other workloads may still depend on them.
func RemoveNATRules(ctx context.Context, tapName, uplinkName string) error {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
	if err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "creating ip6tables handle", err)
	}

	if err := ipt.DeleteIfExists("filter", "FORWARD", "-i", tapName, "-o", uplinkName, "-j", "ACCEPT"); err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "removing forwarding rule for "+tapName, err)
	}

	return nil
}

// Package network provides the per-workload IPv6 data-plane primitives:
// TAP lifecycle, NAT/forwarding rules, uplink and delegated-prefix
// allocation, DHCPv6 uplink acquisition and Router Advertisement.
package network

import (
	"context"
	ierrors "errors"
	"net"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	feoserrors "feos/pkg/errors"
	"feos/pkg/log"
)

// CreateTap creates a TAP interface, brings it up, and sets its MTU to mtu
// when mtu > 0 (spec §4.3 step 1). The MTU is the caller's value; it is not
// read from the uplink.
func CreateTap(ctx context.Context, name string, mtu int) error {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"service": "network", "tap": name})
	logger.Debug("creating tap interface")

	link := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name, MTU: mtu},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}

	if err := netlink.LinkAdd(link); err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "creating tap "+name, err)
	}

	iface, err := netlink.LinkByName(name)
	if err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "looking up tap "+name, err)
	}

	if err := netlink.LinkSetUp(iface); err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "bringing up tap "+name, err)
	}

	if mtu > 0 {
		if err := netlink.LinkSetMTU(iface, mtu); err != nil {
			return feoserrors.Wrap(feoserrors.KindInternal, "setting mtu on tap "+name, err)
		}
	}

	return nil
}

// AddAddress adds cidr (address/prefix length) to name via netlink (used
// for the /128 DHCPv6 lease on the uplink).
func AddAddress(ctx context.Context, name, cidr string) error {
	iface, err := netlink.LinkByName(name)
	if err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "looking up interface "+name, err)
	}

	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return feoserrors.Wrap(feoserrors.KindInvalidArgument, "parsing address "+cidr, err)
	}

	if err := netlink.AddrAdd(iface, addr); err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "adding address to "+name, err)
	}

	return nil
}

// AddDefaultRoute installs an IPv6 default route via gateway through name
// (spec §4.4, "Default route").
func AddDefaultRoute(ctx context.Context, name string, gateway net.IP) error {
	iface, err := netlink.LinkByName(name)
	if err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "looking up interface "+name, err)
	}

	route := &netlink.Route{
		LinkIndex: iface.Attrs().Index,
		Gw:        gateway,
	}

	if err := netlink.RouteAdd(route); err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "adding default route via "+name, err)
	}

	return nil
}

// DeleteTap removes the TAP interface (spec §4.3, "Termination": "removes
// the TAP (netlink link del)"). A missing interface is not an error.
func DeleteTap(ctx context.Context, name string) error {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"service": "network", "tap": name})

	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if ierrors.As(err, &notFound) {
			logger.Debug("tap already gone, no action")

			return nil
		}

		return feoserrors.Wrap(feoserrors.KindInternal, "looking up tap "+name, err)
	}

	if err := netlink.LinkDel(link); err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "deleting tap "+name, err)
	}

	return nil
}

// LinkIndex returns the netlink interface index for name.
func LinkIndex(name string) (int, error) {
	iface, err := netlink.LinkByName(name)
	if err != nil {
		return 0, feoserrors.Wrap(feoserrors.KindInternal, "looking up interface "+name, err)
	}

	return iface.Attrs().Index, nil
}

// HardwareAddr returns the netlink link for name; its Attrs().HardwareAddr
// holds the link-layer address.
func HardwareAddr(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

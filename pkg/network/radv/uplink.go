package radv

import (
	"context"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	feoserrors "feos/pkg/errors"
)

// UplinkAdvertisement is what SolicitUplink extracts from the Router
// Advertisement it observes, enough for pkg/network/dhcp6 to decide
// whether DHCPv6 is required (spec §4.4 step 1).
type UplinkAdvertisement struct {
	RouterAddress net.IP
	Managed       bool
}

// SolicitUplink sends a Router Solicitation on ifaceName and waits up to
// timeout for a Router Advertisement, returning its source address and
// M-flag.
func SolicitUplink(ctx context.Context, ifaceName string, timeout time.Duration) (*UplinkAdvertisement, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindInternal, "looking up interface "+ifaceName, err)
	}

	pc, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindInternal, "opening icmpv6 socket for "+ifaceName, err)
	}
	defer pc.Close()

	ipv6Conn := pc.IPv6PacketConn()
	if err := ipv6Conn.SetChecksum(true, 2); err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindInternal, "enabling icmpv6 checksum offload", err)
	}

	rs := []byte{icmpTypeRouterSolicitation, 0, 0, 0, 0, 0, 0, 0}
	rs = append(rs, sourceLinkLayerOption(iface.HardwareAddr)...)

	cm := &ipv6.ControlMessage{IfIndex: iface.Index, HopLimit: 255}

	if _, err := ipv6Conn.WriteTo(rs, cm, &net.UDPAddr{IP: net.ParseIP(linkLocalAllRtrs), Zone: ifaceName}); err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindInternal, "sending router solicitation", err)
	}

	deadline := time.Now().Add(timeout)

	buf := make([]byte, 1500)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, feoserrors.New(feoserrors.KindSocketTimeout, "no router advertisement observed on "+ifaceName)
		}

		_ = ipv6Conn.SetReadDeadline(time.Now().Add(remaining))

		n, _, src, err := ipv6Conn.ReadFrom(buf)
		if err != nil {
			continue
		}

		if n < 1 || int(buf[0]) != icmpTypeRouterAdvertisement {
			continue
		}

		managed := n > 1 && buf[1]&flagManaged != 0

		var routerAddr net.IP
		if udpSrc, ok := src.(*net.UDPAddr); ok {
			routerAddr = udpSrc.IP
		}

		return &UplinkAdvertisement{RouterAddress: routerAddr, Managed: managed}, nil
	}
}

func sourceLinkLayerOption(mac net.HardwareAddr) []byte {
	opt := make([]byte, 8)
	opt[0] = optSourceLinkLayer
	opt[1] = 1
	copy(opt[2:], mac)

	return opt
}

// Package radv implements the per-workload IPv6 Router Advertisement state
// machine of spec §4.3: an unsolicited RA on attach, periodic retransmit,
// a jittered reply to Router Solicitations, and on-demand Neighbour
// Solicitation probes. It also exposes the uplink-side RS/RA exchange
// (SolicitUplink); the run command reads the M-flag from it and passes it to
// pkg/network/dhcp6 to decide whether DHCPv6 is required (spec §4.4 step 1).
package radv

import (
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	feoserrors "feos/pkg/errors"
	"feos/pkg/ids"
	"feos/pkg/log"
)

const (
	icmpTypeRouterSolicitation    = 133
	icmpTypeRouterAdvertisement   = 134
	icmpTypeNeighborSolicitation  = 135
	icmpTypeNeighborAdvertisement = 136

	optSourceLinkLayer  = 1
	optMTU              = 5
	optPrefixInfo       = 3
	optTargetLinkLayer  = 2

	flagManaged    = 0x80
	flagOther      = 0x40
	prefixFlagOnL  = 0x80
	prefixFlagAuto = 0x40

	linkLocalAllNodes = "ff02::1"
	linkLocalAllRtrs  = "ff02::2"
)

// TapRouterAdv runs the RA state machine for a single workload TAP.
type TapRouterAdv struct {
	ifaceName string
	prefix    netip.Prefix
	linkLocal net.IP
	mtu       int

	routerLifetime time.Duration
	retransmit     time.Duration

	conn *ipv6.PacketConn
}

// New constructs a TapRouterAdv for ifaceName, advertising prefix with
// routerLifetime and retransmitting at min(300s, routerLifetime/6).
func New(ifaceName string, prefix netip.Prefix, linkLocal net.IP, mtu int, routerLifetime time.Duration) (*TapRouterAdv, error) {
	pc, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindInternal, "opening icmpv6 socket for "+ifaceName, err)
	}

	ipv6Conn := pc.IPv6PacketConn()

	if err := ipv6Conn.SetChecksum(true, 2); err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindInternal, "enabling icmpv6 checksum offload", err)
	}

	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindInternal, "looking up interface "+ifaceName, err)
	}

	if err := ipv6Conn.JoinGroup(iface, &net.UDPAddr{IP: net.ParseIP(linkLocalAllRtrs)}); err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindInternal, "joining all-routers group on "+ifaceName, err)
	}

	retransmit := 300 * time.Second
	if routerLifetime/6 < retransmit {
		retransmit = routerLifetime / 6
	}

	return &TapRouterAdv{
		ifaceName:      ifaceName,
		prefix:         prefix,
		linkLocal:      linkLocal,
		mtu:            mtu,
		routerLifetime: routerLifetime,
		retransmit:     retransmit,
		conn:           ipv6Conn,
	}, nil
}

// Run sends the initial unsolicited RA, then loops retransmitting it and
// replying to Router Solicitations until ctx is cancelled (spec §4.3 steps
// 3-5). Callers should run this in its own goroutine per workload.
func (t *TapRouterAdv) Run(ctx context.Context, id ids.WorkloadId) error {
	logger := log.GetLogger(ctx).WithField("workload_id", id.String()).WithField("tap", t.ifaceName)

	iface, err := net.InterfaceByName(t.ifaceName)
	if err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "looking up interface "+t.ifaceName, err)
	}

	if err := t.sendRA(iface); err != nil {
		return err
	}

	ticker := time.NewTicker(t.retransmit)
	defer ticker.Stop()

	incoming := make(chan []byte, 8)

	go t.readLoop(ctx, incoming)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if err := t.sendRA(iface); err != nil {
				logger.WithError(err).Debug("periodic RA send failed")
			}

		case pkt := <-incoming:
			if len(pkt) < 1 || int(pkt[0]) != icmpTypeRouterSolicitation {
				continue
			}

			jitter := time.Duration(rand.Int63n(int64(200 * time.Millisecond)))

			select {
			case <-time.After(jitter):
				if err := t.sendRA(iface); err != nil {
					logger.WithError(err).Debug("solicited RA send failed")
				}
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (t *TapRouterAdv) readLoop(ctx context.Context, out chan<- []byte) {
	buf := make([]byte, 1500)

	for {
		if ctx.Err() != nil {
			return
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(time.Second))

		n, _, _, err := t.conn.ReadFrom(buf)
		if err != nil {
			continue
		}

		cp := make([]byte, n)
		copy(cp, buf[:n])

		select {
		case out <- cp:
		default:
		}
	}
}

// sendRA builds and sends an unsolicited Router Advertisement: M=1, O=1,
// router lifetime, an MTU option, and a Prefix Information option for the
// tenant prefix with A=1, L=1 (spec §4.3 step 3).
func (t *TapRouterAdv) sendRA(iface *net.Interface) error {
	body := make([]byte, 0, 64)

	body = append(body, 64)                                   // cur hop limit
	body = append(body, flagManaged|flagOther)                // M/O flags
	body = binary.BigEndian.AppendUint16(body, uint16(t.routerLifetime.Seconds()))
	body = binary.BigEndian.AppendUint32(body, 0) // reachable time
	body = binary.BigEndian.AppendUint32(body, 0) // retrans timer

	body = append(body, mtuOption(t.mtu)...)
	body = append(body, prefixInfoOption(t.prefix)...)

	return t.send(iface, icmpTypeRouterAdvertisement, body, net.ParseIP(linkLocalAllNodes))
}

// ProbeNeighbour emits a Neighbour Solicitation for addr on this TAP (spec
// §4.3 step 6): source is the host's link-local address, destination is
// the solicited-node multicast address. The Ethernet destination is the
// 33:33 multicast MAC the kernel derives from that address; the frame is
// not sent to the Ethernet broadcast address.
func (t *TapRouterAdv) ProbeNeighbour(addr net.IP) error {
	iface, err := net.InterfaceByName(t.ifaceName)
	if err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "looking up interface "+t.ifaceName, err)
	}

	body := make([]byte, 0, 32)
	body = append(body, 0, 0, 0, 0) // reserved
	body = append(body, addr.To16()...)
	body = append(body, targetLinkLayerOption(iface.HardwareAddr)...)

	return t.send(iface, icmpTypeNeighborSolicitation, body, solicitedNodeMulticast(addr))
}

func (t *TapRouterAdv) send(iface *net.Interface, icmpType int, body []byte, dst net.IP) error {
	msg := append([]byte{byte(icmpType), 0, 0, 0}, body...)

	cm := &ipv6.ControlMessage{IfIndex: iface.Index, HopLimit: 255}

	_, err := t.conn.WriteTo(msg, cm, &net.UDPAddr{IP: dst, Zone: t.ifaceName})
	if err != nil {
		return feoserrors.Wrap(feoserrors.KindInternal, "sending icmpv6 message", err)
	}

	return nil
}

// Close releases the underlying raw socket (spec §4.3, "Termination").
func (t *TapRouterAdv) Close() error {
	return t.conn.Close()
}

func mtuOption(mtu int) []byte {
	opt := make([]byte, 8)
	opt[0] = optMTU
	opt[1] = 1 // length in units of 8 bytes
	binary.BigEndian.PutUint32(opt[4:], uint32(mtu))

	return opt
}

func prefixInfoOption(prefix netip.Prefix) []byte {
	opt := make([]byte, 32)
	opt[0] = optPrefixInfo
	opt[1] = 4 // 32 bytes / 8
	opt[2] = byte(prefix.Bits())
	opt[3] = prefixFlagOnL | prefixFlagAuto
	binary.BigEndian.PutUint32(opt[4:], uint32(1200)) // preferred lifetime
	binary.BigEndian.PutUint32(opt[8:], uint32(2400))  // valid lifetime
	// opt[12:16] reserved

	addr16 := prefix.Addr().As16()
	copy(opt[16:], addr16[:])

	return opt
}

func targetLinkLayerOption(mac net.HardwareAddr) []byte {
	opt := make([]byte, 8)
	opt[0] = optTargetLinkLayer
	opt[1] = 1
	copy(opt[2:], mac)

	return opt
}

func solicitedNodeMulticast(addr net.IP) net.IP {
	ip16 := addr.To16()

	solicited := net.ParseIP("ff02::1:ff00:0")
	copy(solicited[13:], ip16[13:])

	return solicited
}

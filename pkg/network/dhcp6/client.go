// Package dhcp6 acquires the uplink's address via DHCPv6, following the
// RFC 3315-derived single-interface, IA_NA-only algorithm in spec §4.4.
package dhcp6

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/sirupsen/logrus"

	"feos/pkg/defaults"
	feoserrors "feos/pkg/errors"
	"feos/pkg/log"
)

const (
	iaid         = 123
	t1           = 3600 * time.Second
	t2           = 7200 * time.Second
	iaPreferred  = 3000 * time.Second
	iaValid      = 5000 * time.Second
	multicastAll = "ff02::1:2"
)

// Lease is the outcome of a successful DHCPv6 exchange (spec §4.4 step 5).
type Lease struct {
	Address          net.IP
	T1, T2           time.Duration
	Preferred, Valid time.Duration
	ServerLinkLocal  net.IP
}

// NoDhcpRequired is returned when a Router Advertisement on the uplink does
// not have the managed (M) flag set and the caller did not override it
// (spec §4.4 step 1).
type NoDhcpRequired struct {
	RouterAddress net.IP
}

func (e *NoDhcpRequired) Error() string {
	return fmt.Sprintf("no dhcpv6 required, router %s did not set the M flag", e.RouterAddress)
}

// Acquire runs the SOLICIT/ADVERTISE/REQUEST/REPLY exchange on iface and
// returns the resulting lease, or a *NoDhcpRequired if managedFlag reports
// the RA's M flag was unset and ignoreRAFlag is false.
func Acquire(ctx context.Context, iface string, mac net.HardwareAddr, managedFlag bool, routerAddr net.IP, ignoreRAFlag bool) (*Lease, error) {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"service": "dhcp6", "iface": iface})

	if !managedFlag && !ignoreRAFlag {
		return nil, &NoDhcpRequired{RouterAddress: routerAddr}
	}

	conn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: defaults.DHCP6ClientPort})
	if err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindInternal, "opening dhcpv6 client socket", err)
	}
	defer conn.Close()

	dst, err := net.ResolveUDPAddr("udp6", fmt.Sprintf("[%s%%%s]:%d", multicastAll, iface, defaults.DHCP6ServerPort))
	if err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindInternal, "resolving dhcpv6 multicast address", err)
	}

	clientDUID := dhcpv6.Duid{
		Type:          dhcpv6.DUID_LL,
		HwType:        1, // Ethernet
		LinkLayerAddr: mac,
	}

	solicit, err := dhcpv6.NewMessage()
	if err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindInternal, "building solicit", err)
	}

	solicit.MessageType = dhcpv6.MessageTypeSolicit
	solicit.AddOption(dhcpv6.OptClientID(clientDUID))
	solicit.AddOption(dhcpv6.OptElapsedTime(0))
	solicit.AddOption(dhcpv6.OptRequestedOption(
		dhcpv6.OptionDNSRecursiveNameServer,
		dhcpv6.OptionDomainSearchList,
		dhcpv6.OptionFQDN,
		dhcpv6.OptionNTPServer,
	))
	solicit.AddOption(&dhcpv6.OptIANA{
		IaId: [4]byte{0, 0, 0, iaid},
		T1:   t1,
		T2:   t2,
		Options: dhcpv6.IdentityOptions{Options: []dhcpv6.Option{
			&dhcpv6.OptIAAddress{IPv6Addr: net.IPv6zero, PreferredLifetime: iaPreferred, ValidLifetime: iaValid},
		}},
	})

	advertise, err := exchangePhase(ctx, logger, conn, dst, solicit, dhcpv6.MessageTypeAdvertise)
	if err != nil {
		return nil, err
	}

	serverDUID := advertise.Options.ServerID()
	if serverDUID == nil {
		return nil, feoserrors.New(feoserrors.KindBackendRejected, "advertise missing server id")
	}

	offeredIANA := advertise.Options.OneIANA()
	if offeredIANA == nil {
		return nil, feoserrors.New(feoserrors.KindBackendRejected, "advertise missing IA_NA")
	}

	offeredAddr := offeredIANA.Options.OneAddress()
	if offeredAddr == nil {
		return nil, feoserrors.New(feoserrors.KindBackendRejected, "advertise IA_NA missing address")
	}

	request, err := dhcpv6.NewMessage()
	if err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindInternal, "building request", err)
	}

	request.MessageType = dhcpv6.MessageTypeRequest
	request.TransactionID = solicit.TransactionID
	request.AddOption(dhcpv6.OptClientID(clientDUID))
	request.AddOption(dhcpv6.OptServerID(serverDUID))
	request.AddOption(dhcpv6.OptElapsedTime(0))
	request.AddOption(&dhcpv6.OptIANA{
		IaId: offeredIANA.IaId,
		T1:   t1,
		T2:   t2,
		Options: dhcpv6.IdentityOptions{Options: []dhcpv6.Option{
			&dhcpv6.OptIAAddress{
				IPv6Addr:          offeredAddr.IPv6Addr,
				PreferredLifetime: iaPreferred,
				ValidLifetime:     iaValid,
			},
		}},
	})

	reply, err := exchangePhase(ctx, logger, conn, dst, request, dhcpv6.MessageTypeReply)
	if err != nil {
		return nil, err
	}

	repliedIANA := reply.Options.OneIANA()
	if repliedIANA == nil {
		return nil, feoserrors.New(feoserrors.KindBackendRejected, "reply missing IA_NA")
	}

	repliedAddr := repliedIANA.Options.OneAddress()
	if repliedAddr == nil {
		return nil, feoserrors.New(feoserrors.KindBackendRejected, "reply IA_NA missing address")
	}

	lease := &Lease{
		Address:   repliedAddr.IPv6Addr,
		T1:        repliedIANA.T1,
		T2:        repliedIANA.T2,
		Preferred: repliedAddr.PreferredLifetime,
		Valid:     repliedAddr.ValidLifetime,
	}

	if lease.T1 == 0 {
		lease.T1 = t1
	}
	if lease.T2 == 0 {
		lease.T2 = t2
	}

	return lease, nil
}

// exchangePhase sends msg and retries up to DHCP6MaxRetries times with
// exponential backoff (250ms, 500ms, 1000ms), each attempt bounded by
// DHCP6PhaseTimeout, until a reply of wantType with a matching transaction
// ID arrives (spec §4.4, "Retries / timeouts").
func exchangePhase(ctx context.Context, logger logrus.FieldLogger, conn *net.UDPConn, dst *net.UDPAddr, msg *dhcpv6.Message, wantType dhcpv6.MessageType) (*dhcpv6.Message, error) {
	backoff := 250 * time.Millisecond

	var lastErr error

	for attempt := 0; attempt < defaults.DHCP6MaxRetries; attempt++ {
		reply, err := sendAndAwait(ctx, conn, dst, msg, wantType)
		if err == nil {
			return reply, nil
		}

		lastErr = err

		logger.WithError(err).WithField("attempt", attempt+1).Debug("dhcpv6 phase failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
	}

	return nil, feoserrors.Wrap(feoserrors.KindSocketTimeout, "dhcpv6 lease acquisition failed", lastErr)
}

func sendAndAwait(ctx context.Context, conn *net.UDPConn, dst *net.UDPAddr, msg *dhcpv6.Message, wantType dhcpv6.MessageType) (*dhcpv6.Message, error) {
	raw := msg.ToBytes()

	if _, err := conn.WriteToUDP(raw, dst); err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindInternal, "sending dhcpv6 message", err)
	}

	deadline := time.Now().Add(defaults.DHCP6PhaseTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, feoserrors.Wrap(feoserrors.KindInternal, "setting read deadline", err)
	}

	buf := make([]byte, 1500)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, feoserrors.Wrap(feoserrors.KindSocketTimeout, "awaiting dhcpv6 reply", err)
		}

		parsed, err := dhcpv6.FromBytes(buf[:n])
		if err != nil {
			continue
		}

		reply, ok := parsed.(*dhcpv6.Message)
		if !ok || reply.MessageType != wantType || reply.TransactionID != msg.TransactionID {
			continue
		}

		return reply, nil
	}
}

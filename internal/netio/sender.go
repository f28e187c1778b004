//go:build linux

package netio

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// UDPSender implements bfd.OutputSocket by sending BFD Control packets
// over UDP to a single, fixed neighbor address. Each sender is bound to
// a specific local address and source port within the RFC 5881 Section 4
// ephemeral range (49152-65535).
//
// Supports both IPv4 and IPv6. The address family is auto-detected from
// the local address:
//   - IPv4: IP_TTL = 255 (RFC 5881 Section 5, GTSM RFC 5082)
//   - IPv6: IPV6_UNICAST_HOPS = 255 (RFC 5881 Section 5, GTSM RFC 5082)
type UDPSender struct {
	conn    *net.UDPConn
	dst     *net.UDPAddr
	logger  *slog.Logger
	mu      sync.Mutex
	closed  bool
	srcPort uint16
}

// NewUDPSender creates a sender bound to localAddr:srcPort that transmits
// to neighbor on the standard single-hop BFD destination port (RFC 5881
// Section 4, port 3784). Supports both IPv4 and IPv6 addresses; the
// address family is auto-detected.
//
// The socket is configured with:
//   - IPv4: IP_TTL = 255 (RFC 5881 Section 5 / RFC 5082 GTSM)
//   - IPv6: IPV6_UNICAST_HOPS = 255 (RFC 5881 Section 5 / RFC 5082 GTSM)
//   - SO_REUSEADDR for compatibility with multiple BFD sessions
func NewUDPSender(
	localAddr netip.Addr,
	srcPort uint16,
	neighbor netip.Addr,
	logger *slog.Logger,
) (*UDPSender, error) {
	s := &UDPSender{
		srcPort: srcPort,
		dst:     net.UDPAddrFromAddrPort(netip.AddrPortFrom(neighbor, PortSingleHop)),
		logger: logger.With(
			slog.String("component", "netio.sender"),
			slog.String("local", localAddr.String()),
			slog.Uint64("src_port", uint64(srcPort)),
		),
	}

	isIPv6 := localAddr.Is6() && !localAddr.Is4In6()

	conn, err := dialSenderSocket(localAddr, srcPort, isIPv6)
	if err != nil {
		return nil, fmt.Errorf("create UDP sender %s:%d: %w",
			localAddr, srcPort, err)
	}

	s.conn = conn
	return s, nil
}

// dialSenderSocket creates and configures a UDP socket for BFD TX.
func dialSenderSocket(localAddr netip.Addr, srcPort uint16, isIPv6 bool) (*net.UDPConn, error) {
	laddr := netip.AddrPortFrom(localAddr, srcPort)

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setSenderOpts(c, isIPv6)
		},
	}

	// Use explicit network to prevent dual-stack ambiguity.
	network := "udp4"
	if isIPv6 {
		network = "udp6"
	}

	pc, err := lc.ListenPacket(context.Background(), network, laddr.String())
	if err != nil {
		return nil, fmt.Errorf("listen UDP %s: %w", laddr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, fmt.Errorf(
			"listen UDP %s: %w: %w",
			laddr, ErrUnexpectedConnType, closeErr,
		)
	}

	return conn, nil
}

// setSenderOpts configures socket options for BFD TX.
// For IPv4: sets IP_TTL = 255. For IPv6: sets IPV6_UNICAST_HOPS = 255.
func setSenderOpts(c syscall.RawConn, isIPv6 bool) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)

		sockErr = setSenderSockOpts(intFD, isIPv6)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}

	return sockErr
}

// setSenderSockOpts applies socket-level and IP-level options for a BFD sender FD.
func setSenderSockOpts(fd int, isIPv6 bool) error {
	// SO_REUSEADDR: allow address reuse.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}

	if isIPv6 {
		// IPV6_UNICAST_HOPS = 255: RFC 5881 Section 5 / RFC 5082 GTSM.
		if err := unix.SetsockoptInt(
			fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, int(ttlRequired),
		); err != nil {
			return fmt.Errorf("set IPV6_UNICAST_HOPS: %w", err)
		}
		return nil
	}

	// IP_TTL = 255: RFC 5881 Section 5 / RFC 5082 GTSM.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, int(ttlRequired)); err != nil {
		return fmt.Errorf("set IP_TTL: %w", err)
	}

	return nil
}

// SendPacket sends buf to the sender's configured neighbor address on
// the standard single-hop BFD destination port (RFC 5881 Section 4,
// port 3784). Satisfies the bfd.OutputSocket interface.
func (s *UDPSender) SendPacket(buf []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("send to %s: %w", s.dst, ErrSocketClosed)
	}
	s.mu.Unlock()

	if _, err := s.conn.WriteToUDP(buf, s.dst); err != nil {
		return fmt.Errorf("send BFD packet to %s: %w", s.dst, err)
	}

	return nil
}

// Close closes the underlying UDP connection.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close sender socket: %w", err)
	}

	return nil
}

// SrcPort returns the allocated source port for this sender.
func (s *UDPSender) SrcPort() uint16 {
	return s.srcPort
}

package dialer

import (
	"fmt"
	"net"
	"net/url"
)

// SOCKS5UDPConn associates a UDP relay through a SOCKS5 proxy (RFC 1928
// §7, the UDP ASSOCIATE command), relaying datagrams rather than a TCP
// tunnel. The upstream client has no HTTP/3 transport, and nothing outside
// this package's tests constructs one.
type SOCKS5UDPConn struct {
	proxyHost string
	proxyPort string
	username  string
	password  string

	tcpConn  net.Conn // holds the ASSOCIATE control connection open
	relay    *net.UDPAddr
	udpConn  *net.UDPConn
}

// NewSOCKS5UDPConn parses a socks5/socks5h proxy URL for later use by
// Associate. It does not dial anything yet.
func NewSOCKS5UDPConn(proxyURL string) (*SOCKS5UDPConn, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid socks5 url: %w", err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	port := u.Port()
	if port == "" {
		port = "1080"
	}

	c := &SOCKS5UDPConn{
		proxyHost: u.Hostname(),
		proxyPort: port,
	}
	if u.User != nil {
		c.username = u.User.Username()
		c.password, _ = u.User.Password()
	}
	return c, nil
}

// Associate opens the TCP control connection, performs the SOCKS5
// UDP ASSOCIATE handshake, and returns the UDP socket to send/receive
// relayed datagrams on plus the relay address the proxy replied with.
func (c *SOCKS5UDPConn) Associate() (*net.UDPConn, *net.UDPAddr, error) {
	d := &SOCKS5Dialer{
		proxyHost: net.JoinHostPort(c.proxyHost, c.proxyPort),
		username:  c.username,
		password:  c.password,
	}

	tcpConn, err := net.Dial("tcp", d.proxyHost)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to socks5 proxy: %w", err)
	}

	if err := d.handshake(tcpConn); err != nil {
		tcpConn.Close()
		return nil, nil, err
	}

	req := []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0} // UDP ASSOCIATE, ATYP IPv4, 0.0.0.0:0
	if _, err := tcpConn.Write(req); err != nil {
		tcpConn.Close()
		return nil, nil, fmt.Errorf("udp associate request: %w", err)
	}

	header := make([]byte, 4)
	if _, err := readFull(tcpConn, header); err != nil {
		tcpConn.Close()
		return nil, nil, fmt.Errorf("udp associate reply: %w", err)
	}
	if header[1] != 0x00 {
		tcpConn.Close()
		return nil, nil, fmt.Errorf("udp associate failed: %s", socks5ReplyString(header[1]))
	}

	var addrLen int
	switch header[3] {
	case 0x01:
		addrLen = net.IPv4len
	case 0x04:
		addrLen = net.IPv6len
	default:
		tcpConn.Close()
		return nil, nil, fmt.Errorf("udp associate reply: unsupported address type %d", header[3])
	}

	rest := make([]byte, addrLen+2)
	if _, err := readFull(tcpConn, rest); err != nil {
		tcpConn.Close()
		return nil, nil, fmt.Errorf("udp associate reply address: %w", err)
	}

	relayIP := net.IP(rest[:addrLen])
	relayPort := int(rest[addrLen])<<8 | int(rest[addrLen+1])
	relay := &net.UDPAddr{IP: relayIP, Port: relayPort}
	// a relay address of 0.0.0.0 means "same host as the control connection"
	if relay.IP.IsUnspecified() {
		if tcpAddr, ok := tcpConn.RemoteAddr().(*net.TCPAddr); ok {
			relay.IP = tcpAddr.IP
		}
	}

	udpConn, err := net.DialUDP("udp", nil, relay)
	if err != nil {
		tcpConn.Close()
		return nil, nil, fmt.Errorf("dial relay: %w", err)
	}

	c.tcpConn = tcpConn
	c.udpConn = udpConn
	c.relay = relay
	return udpConn, relay, nil
}

// Close tears down both the UDP relay socket and the TCP control
// connection keeping the association alive.
func (c *SOCKS5UDPConn) Close() error {
	var err error
	if c.udpConn != nil {
		err = c.udpConn.Close()
	}
	if c.tcpConn != nil {
		if cerr := c.tcpConn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// buildSOCKS5UDPHeader builds the header (RSV, FRAG, ATYP, address, port)
// that must prefix every datagram sent to a SOCKS5 UDP relay.
func buildSOCKS5UDPHeader(addr *net.UDPAddr) []byte {
	header := []byte{0x00, 0x00, 0x00} // RSV(2) + FRAG(1)

	if ip4 := addr.IP.To4(); ip4 != nil {
		header = append(header, 0x01)
		header = append(header, ip4...)
	} else {
		header = append(header, 0x04)
		header = append(header, addr.IP.To16()...)
	}

	port := addr.Port
	header = append(header, byte(port>>8), byte(port))
	return header
}

// parseSOCKS5UDPHeader parses the RSV/FRAG/ATYP/address/port prefix off
// a datagram received from a SOCKS5 UDP relay, returning the byte offset
// where the payload starts and the address it was addressed to/from.
// Fragmented datagrams (FRAG != 0) are rejected: reassembly is out of
// scope for a forward proxy that never caches partial responses.
func parseSOCKS5UDPHeader(packet []byte) (int, net.Addr, error) {
	if len(packet) < 4 {
		return 0, nil, fmt.Errorf("socks5 udp header: packet too short")
	}
	if packet[2] != 0x00 {
		return 0, nil, fmt.Errorf("socks5 udp header: fragmentation not supported")
	}

	atyp := packet[3]
	switch atyp {
	case 0x01:
		if len(packet) < 4+net.IPv4len+2 {
			return 0, nil, fmt.Errorf("socks5 udp header: truncated IPv4 address")
		}
		ip := net.IP(packet[4 : 4+net.IPv4len])
		offset := 4 + net.IPv4len
		port := int(packet[offset])<<8 | int(packet[offset+1])
		return offset + 2, &net.UDPAddr{IP: ip, Port: port}, nil

	case 0x04:
		if len(packet) < 4+net.IPv6len+2 {
			return 0, nil, fmt.Errorf("socks5 udp header: truncated IPv6 address")
		}
		ip := net.IP(packet[4 : 4+net.IPv6len])
		offset := 4 + net.IPv6len
		port := int(packet[offset])<<8 | int(packet[offset+1])
		return offset + 2, &net.UDPAddr{IP: ip, Port: port}, nil

	case 0x03:
		if len(packet) < 5 {
			return 0, nil, fmt.Errorf("socks5 udp header: truncated domain length")
		}
		domainLen := int(packet[4])
		offset := 5 + domainLen
		if len(packet) < offset+2 {
			return 0, nil, fmt.Errorf("socks5 udp header: truncated domain address")
		}
		domain := string(packet[5:offset])
		port := int(packet[offset])<<8 | int(packet[offset+1])
		ips, err := net.LookupIP(domain)
		if err != nil || len(ips) == 0 {
			return offset + 2, &net.UDPAddr{Port: port}, nil
		}
		return offset + 2, &net.UDPAddr{IP: ips[0], Port: port}, nil

	default:
		return 0, nil, fmt.Errorf("socks5 udp header: unsupported address type %d", atyp)
	}
}

package output

import (
	"fmt"
	"net"
)

// UDPSender sends datagrams to a unicast or multicast UDP destination.
type UDPSender struct {
	conn *net.UDPConn
}

// DialUDP connects a sender to a host:port destination.
func DialUDP(addr string) (*UDPSender, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve UDP address %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial UDP %s: %w", addr, err)
	}
	return &UDPSender{conn: conn}, nil
}

// Send transmits one datagram.
func (s *UDPSender) Send(payload []byte) error {
	if _, err := s.conn.Write(payload); err != nil {
		return fmt.Errorf("UDP send: %w", err)
	}
	return nil
}

// Close closes the socket.
func (s *UDPSender) Close() error {
	return s.conn.Close()
}

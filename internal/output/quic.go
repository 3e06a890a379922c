package output

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/tsflow/internal/mpegts"
)

// alpnProtocol is the ALPN identifier of the raw transport-stream datagram
// protocol spoken between sender and receiver.
const alpnProtocol = "tsflow"

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  30 * time.Second,
		Allow0RTT:       true,
	}
}

// QUICSender sends each burst as one QUIC datagram. Datagrams are
// unreliable by design, matching UDP semantics over a congestion-controlled
// and optionally authenticated path.
type QUICSender struct {
	log  *slog.Logger
	conn quic.Connection
}

// DialQUIC connects a sender to a QUIC datagram receiver. A nil tlsConf
// skips certificate verification, for receivers running on self-signed
// certificates. If log is nil, slog.Default() is used.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, log *slog.Logger) (*QUICSender, error) {
	if log == nil {
		log = slog.Default()
	}
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true}
	} else {
		tlsConf = tlsConf.Clone()
	}
	tlsConf.NextProtos = []string{alpnProtocol}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC dial %s: %w", addr, err)
	}
	log.With("component", "quic-sender").Info("connected", "addr", addr)
	return &QUICSender{
		log:  log.With("component", "quic-sender"),
		conn: conn,
	}, nil
}

// quicPacketsPerDatagram bounds the burst for QUIC senders. A DATAGRAM
// frame must fit inside one QUIC packet, limited by the 1200-byte minimum
// path MTU less packet and frame overhead, so the full seven-packet UDP
// burst does not fit.
const quicPacketsPerDatagram = 6

// PayloadCap bounds the datagram payload to what one QUIC packet carries.
func (s *QUICSender) PayloadCap() int {
	return quicPacketsPerDatagram * mpegts.PacketSize
}

// Send transmits one datagram. The payload is copied; the connection may
// queue it past the call.
func (s *QUICSender) Send(payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	if err := s.conn.SendDatagram(buf); err != nil {
		return fmt.Errorf("QUIC send: %w", err)
	}
	return nil
}

// Close terminates the connection cleanly.
func (s *QUICSender) Close() error {
	return s.conn.CloseWithError(0, "done")
}

// QUICReceiver accepts one QUIC sender and yields its datagrams. It is the
// counterpart used by receive tooling and tests.
type QUICReceiver struct {
	ln   *quic.Listener
	conn quic.Connection
}

// ListenQUIC starts a receiver on addr with the given certificate.
func ListenQUIC(addr string, cert tls.Certificate) (*QUICReceiver, error) {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC listen on %s: %w", addr, err)
	}
	return &QUICReceiver{ln: ln}, nil
}

// Addr returns the bound address.
func (r *QUICReceiver) Addr() net.Addr { return r.ln.Addr() }

// Receive returns the next datagram, accepting the first incoming
// connection on demand.
func (r *QUICReceiver) Receive(ctx context.Context) ([]byte, error) {
	if r.conn == nil {
		conn, err := r.ln.Accept(ctx)
		if err != nil {
			return nil, fmt.Errorf("QUIC accept: %w", err)
		}
		r.conn = conn
	}
	payload, err := r.conn.ReceiveDatagram(ctx)
	if err != nil {
		return nil, fmt.Errorf("QUIC receive: %w", err)
	}
	return payload, nil
}

// Close shuts the connection and the listener down.
func (r *QUICReceiver) Close() error {
	if r.conn != nil {
		r.conn.CloseWithError(0, "done")
		r.conn = nil
	}
	return r.ln.Close()
}

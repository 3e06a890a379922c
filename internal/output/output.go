// Package output delivers processed transport packets downstream. Packets
// are grouped into datagram-sized bursts of seven, the payload size shared
// by UDP and SRT transports, and handed to a Sender: plain UDP or QUIC
// datagrams.
package output

import (
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/tsflow/internal/mpegts"
)

// PacketsPerDatagram is the number of 188-byte packets per datagram.
// 7 * 188 = 1316 bytes, the largest multiple fitting a common UDP MTU.
const PacketsPerDatagram = 7

// DatagramSize is the wire size of one full datagram.
const DatagramSize = PacketsPerDatagram * mpegts.PacketSize

// Sender transmits one datagram payload. Implementations must tolerate
// payloads shorter than DatagramSize: the tail of a stream and explicit
// flushes produce partial datagrams.
type Sender interface {
	Send(payload []byte) error
	Close() error
}

// PayloadCapper is implemented by senders whose transport bounds the
// datagram payload below DatagramSize. The sink rounds the cap down to a
// whole number of packets.
type PayloadCapper interface {
	PayloadCap() int
}

// SenderStats counts the traffic through a datagram sink.
type SenderStats struct {
	Packets   int64 `json:"packets"`
	Datagrams int64 `json:"datagrams"`
	Dropped   int64 `json:"dropped"`
}

// DatagramSink groups packets into bursts and sends each burst as one
// datagram. It satisfies the pipeline sink contract: a flush pushes a
// partial burst out immediately, which regulators use to keep wire timing
// aligned with their pacing decisions.
type DatagramSink struct {
	log      *slog.Logger
	sender   Sender
	dropNull bool

	burstSize int
	buf       []byte

	packets   atomic.Int64
	datagrams atomic.Int64
	dropped   atomic.Int64
}

// NewDatagramSink wraps a sender as a packet sink. Senders implementing
// PayloadCapper shrink the burst below the seven-packet default. If log is
// nil, slog.Default() is used.
func NewDatagramSink(sender Sender, log *slog.Logger) *DatagramSink {
	if log == nil {
		log = slog.Default()
	}
	burst := DatagramSize
	if c, ok := sender.(PayloadCapper); ok {
		if limit := c.PayloadCap(); limit > 0 && limit < burst {
			burst = limit - limit%mpegts.PacketSize
		}
	}
	return &DatagramSink{
		log:       log.With("component", "output"),
		sender:    sender,
		burstSize: burst,
		buf:       make([]byte, 0, burst),
	}
}

// SetDropNull discards null packets instead of sending them. This saves
// bandwidth on networks where the receiver restores its own timing, at the
// cost of losing the constant-bitrate shape of the stream.
func (s *DatagramSink) SetDropNull(on bool) { s.dropNull = on }

// Stats returns a snapshot of the traffic counters.
func (s *DatagramSink) Stats() SenderStats {
	return SenderStats{
		Packets:   s.packets.Load(),
		Datagrams: s.datagrams.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// WritePacket buffers one packet and sends the burst when it is complete.
func (s *DatagramSink) WritePacket(pkt *mpegts.Packet, _ *mpegts.PacketMetadata) error {
	if s.dropNull && pkt.IsNull() {
		s.dropped.Add(1)
		return nil
	}
	s.buf = append(s.buf, pkt.B[:]...)
	s.packets.Add(1)
	if len(s.buf) < s.burstSize {
		return nil
	}
	return s.send()
}

// Flush sends any partial burst immediately.
func (s *DatagramSink) Flush() error {
	if len(s.buf) == 0 {
		return nil
	}
	return s.send()
}

func (s *DatagramSink) send() error {
	err := s.sender.Send(s.buf)
	s.buf = s.buf[:0]
	if err != nil {
		return err
	}
	s.datagrams.Add(1)
	return nil
}

// Close flushes the pending burst and closes the sender.
func (s *DatagramSink) Close() error {
	ferr := s.Flush()
	cerr := s.sender.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

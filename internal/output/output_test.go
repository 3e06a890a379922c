package output

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/zsiec/tsflow/internal/certs"
	"github.com/zsiec/tsflow/internal/mpegts"
)

// fakeSender records each payload it is asked to send.
type fakeSender struct {
	payloads [][]byte
	closed   bool
}

func (f *fakeSender) Send(payload []byte) error {
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return nil
}

func (f *fakeSender) Close() error {
	f.closed = true
	return nil
}

func dataPacket(n int) mpegts.Packet {
	var p mpegts.Packet
	p.Init(0x0100, uint8(n), byte(n))
	return p
}

func TestDatagramSinkBursts(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	sink := NewDatagramSink(sender, nil)

	// 7 packets complete exactly one datagram.
	for i := 0; i < PacketsPerDatagram; i++ {
		pkt := dataPacket(i)
		if err := sink.WritePacket(&pkt, nil); err != nil {
			t.Fatalf("WritePacket(%d): %v", i, err)
		}
	}
	if len(sender.payloads) != 1 {
		t.Fatalf("datagrams sent = %d, want 1", len(sender.payloads))
	}
	if len(sender.payloads[0]) != DatagramSize {
		t.Fatalf("datagram size = %d, want %d", len(sender.payloads[0]), DatagramSize)
	}
	for i := 0; i < PacketsPerDatagram; i++ {
		want := dataPacket(i)
		got := sender.payloads[0][i*mpegts.PacketSize : (i+1)*mpegts.PacketSize]
		if !bytes.Equal(got, want.B[:]) {
			t.Errorf("packet %d corrupted in datagram", i)
		}
	}
}

// cappedSender reports a payload bound below the full datagram size, as
// the QUIC sender does.
type cappedSender struct {
	fakeSender
	cap int
}

func (c *cappedSender) PayloadCap() int { return c.cap }

func TestDatagramSinkHonorsPayloadCap(t *testing.T) {
	t.Parallel()

	// A cap between 6 and 7 packets rounds down to whole packets.
	sender := &cappedSender{cap: 6*mpegts.PacketSize + 100}
	sink := NewDatagramSink(sender, nil)

	for i := 0; i < PacketsPerDatagram; i++ {
		pkt := dataPacket(i)
		if err := sink.WritePacket(&pkt, nil); err != nil {
			t.Fatalf("WritePacket(%d): %v", i, err)
		}
	}
	if len(sender.payloads) != 1 {
		t.Fatalf("datagrams sent = %d, want 1", len(sender.payloads))
	}
	if got := len(sender.payloads[0]); got != 6*mpegts.PacketSize {
		t.Fatalf("datagram size = %d, want %d", got, 6*mpegts.PacketSize)
	}

	// The seventh packet stays buffered until flushed.
	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(sender.payloads) != 2 || len(sender.payloads[1]) != mpegts.PacketSize {
		t.Fatalf("flush after cap sent %d datagrams, want a one-packet tail", len(sender.payloads))
	}
}

func TestDatagramSinkFlushPartial(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	sink := NewDatagramSink(sender, nil)

	for i := 0; i < 3; i++ {
		pkt := dataPacket(i)
		if err := sink.WritePacket(&pkt, nil); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}
	if len(sender.payloads) != 0 {
		t.Fatalf("partial burst sent before flush")
	}
	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(sender.payloads) != 1 || len(sender.payloads[0]) != 3*mpegts.PacketSize {
		t.Fatalf("flush sent %d datagrams, want one of 3 packets", len(sender.payloads))
	}

	// A second flush with nothing pending sends nothing.
	if err := sink.Flush(); err != nil {
		t.Fatalf("empty Flush: %v", err)
	}
	if len(sender.payloads) != 1 {
		t.Error("empty flush sent a datagram")
	}
}

func TestDatagramSinkDropNull(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	sink := NewDatagramSink(sender, nil)
	sink.SetDropNull(true)

	null := mpegts.NullPacket
	if err := sink.WritePacket(&null, nil); err != nil {
		t.Fatalf("WritePacket(null): %v", err)
	}
	pkt := dataPacket(0)
	if err := sink.WritePacket(&pkt, nil); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(sender.payloads) != 1 || len(sender.payloads[0]) != mpegts.PacketSize {
		t.Fatalf("null packet not dropped")
	}
	st := sink.Stats()
	if st.Dropped != 1 || st.Packets != 1 {
		t.Errorf("stats = %+v, want 1 dropped, 1 sent", st)
	}
}

func TestDatagramSinkClose(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	sink := NewDatagramSink(sender, nil)
	pkt := dataPacket(0)
	if err := sink.WritePacket(&pkt, nil); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(sender.payloads) != 1 {
		t.Error("Close did not flush the pending burst")
	}
	if !sender.closed {
		t.Error("Close did not close the sender")
	}
}

func TestUDPSenderRoundTrip(t *testing.T) {
	t.Parallel()

	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer ln.Close()

	sender, err := DialUDP(ln.LocalAddr().String())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer sender.Close()

	payload := bytes.Repeat([]byte{0x47}, DatagramSize)
	if err := sender.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ln.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, DatagramSize+1)
	n, _, err := ln.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Errorf("received %d bytes, payload differs", n)
	}
}

func TestQUICSenderRoundTrip(t *testing.T) {
	t.Parallel()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}
	recv, err := ListenQUIC("127.0.0.1:0", cert.TLSCert)
	if err != nil {
		t.Fatalf("ListenQUIC: %v", err)
	}
	defer recv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender, err := DialQUIC(ctx, recv.Addr().String(), nil, nil)
	if err != nil {
		t.Fatalf("DialQUIC: %v", err)
	}
	defer sender.Close()

	// The largest burst the sink would hand this sender.
	want := bytes.Repeat([]byte{0xAB}, sender.PayloadCap())
	errCh := make(chan error, 1)
	go func() {
		// Datagrams are unreliable; resend until the receiver sees one.
		for ctx.Err() == nil {
			if err := sender.Send(want); err != nil {
				errCh <- err
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	got, err := recv.Receive(ctx)
	if err != nil {
		select {
		case serr := <-errCh:
			t.Fatalf("Receive: %v (send: %v)", err, serr)
		default:
			t.Fatalf("Receive: %v", err)
		}
	}
	if !bytes.Equal(got, want) {
		t.Errorf("datagram payload differs, got %d bytes", len(got))
	}
}

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/zsiec/tsflow/internal/mpegts"
)

// collectSink records every packet and flush it receives.
type collectSink struct {
	packets []mpegts.Packet
	mds     []mpegts.PacketMetadata
	flushes int
}

func (s *collectSink) WritePacket(pkt *mpegts.Packet, md *mpegts.PacketMetadata) error {
	s.packets = append(s.packets, *pkt)
	s.mds = append(s.mds, *md)
	return nil
}

func (s *collectSink) Flush() error {
	s.flushes++
	return nil
}

func streamOf(pids ...uint16) []byte {
	var buf bytes.Buffer
	for i, pid := range pids {
		var p mpegts.Packet
		p.Init(pid, uint8(i), 0x00)
		buf.Write(p.B[:])
	}
	return buf.Bytes()
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	raw := streamOf(0x100, 0x101, 0x102, 0x1FFF, 0x100)
	src := NewReaderSource(bytes.NewReader(raw), nil)
	var out bytes.Buffer
	p := New(src, NewWriterSink(&out), nil)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(out.Bytes(), raw) {
		t.Error("output stream differs from input with an empty chain")
	}
	st := p.Stats()
	if st.Packets != 5 || st.Errors != 0 {
		t.Errorf("stats = %+v, want 5 packets, 0 errors", st)
	}
	if st.Flushes != 1 {
		t.Errorf("flushes = %d, want 1 (end of stream)", st.Flushes)
	}
}

func TestProcessorChainOrder(t *testing.T) {
	t.Parallel()

	src := NewReaderSource(bytes.NewReader(streamOf(0x100)), nil)
	sink := &collectSink{}
	p := New(src, sink, nil)
	p.Append(ProcessorFunc(func(pkt *mpegts.Packet, _ *mpegts.PacketMetadata) error {
		pkt.Payload()[0] = 'a'
		return nil
	}))
	p.Append(ProcessorFunc(func(pkt *mpegts.Packet, _ *mpegts.PacketMetadata) error {
		if pkt.Payload()[0] != 'a' {
			t.Error("second processor ran before the first")
		}
		pkt.Payload()[0] = 'b'
		return nil
	}))

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.packets) != 1 || sink.packets[0].Payload()[0] != 'b' {
		t.Error("chain result did not reach the sink")
	}
}

func TestAbortOnProcessorError(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")
	src := NewReaderSource(bytes.NewReader(streamOf(0x100, 0x101, 0x102)), nil)
	sink := &collectSink{}
	p := New(src, sink, nil)
	p.Append(ProcessorFunc(func(pkt *mpegts.Packet, _ *mpegts.PacketMetadata) error {
		if pkt.PID() == 0x101 {
			return errBoom
		}
		return nil
	}))

	err := p.Run(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("Run = %v, want wrapped boom", err)
	}
	if len(sink.packets) != 1 {
		t.Errorf("sink received %d packets before abort, want 1", len(sink.packets))
	}
	if sink.flushes == 0 {
		t.Error("sink not flushed on abort")
	}
}

func TestIgnoreErrorsPassesThrough(t *testing.T) {
	t.Parallel()

	src := NewReaderSource(bytes.NewReader(streamOf(0x100, 0x101, 0x102)), nil)
	sink := &collectSink{}
	p := New(src, sink, nil)
	p.SetIgnoreErrors(true)
	var secondSaw []uint16
	p.Append(ProcessorFunc(func(pkt *mpegts.Packet, _ *mpegts.PacketMetadata) error {
		if pkt.PID() == 0x101 {
			return errors.New("bad packet")
		}
		return nil
	}))
	p.Append(ProcessorFunc(func(pkt *mpegts.Packet, _ *mpegts.PacketMetadata) error {
		secondSaw = append(secondSaw, pkt.PID())
		return nil
	}))

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The failing packet skips the rest of the chain but still reaches the
	// sink unmodified.
	if len(sink.packets) != 3 {
		t.Fatalf("sink received %d packets, want 3", len(sink.packets))
	}
	if len(secondSaw) != 2 || secondSaw[0] != 0x100 || secondSaw[1] != 0x102 {
		t.Errorf("second processor saw %v, want [0x100 0x102]", secondSaw)
	}
	st := p.Stats()
	if st.Errors != 1 || st.ErrorsIgnored != 1 {
		t.Errorf("stats = %+v, want 1 error ignored", st)
	}
}

func TestFlushSignalReachesSink(t *testing.T) {
	t.Parallel()

	src := NewReaderSource(bytes.NewReader(streamOf(0x100, 0x101, 0x102)), nil)
	sink := &collectSink{}
	p := New(src, sink, nil)
	p.Append(ProcessorFunc(func(pkt *mpegts.Packet, md *mpegts.PacketMetadata) error {
		if pkt.PID() == 0x101 {
			md.Flush = true
		}
		return nil
	}))

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// One mid-stream flush plus the end-of-stream flush.
	if sink.flushes != 2 {
		t.Errorf("flushes = %d, want 2", sink.flushes)
	}
}

func TestContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := NewReaderSource(bytes.NewReader(streamOf(0x100)), nil)
	p := New(src, &collectSink{}, nil)
	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestReaderSourceResync(t *testing.T) {
	t.Parallel()

	clean := streamOf(0x100, 0x101)
	dirty := append([]byte("junk"), clean[:mpegts.PacketSize]...)
	dirty = append(dirty, 0x00, 0x01) // torn bytes between packets
	dirty = append(dirty, clean[mpegts.PacketSize:]...)

	src := NewReaderSource(bytes.NewReader(dirty), nil)
	var pkt mpegts.Packet
	var md mpegts.PacketMetadata
	for i, want := range []uint16{0x100, 0x101} {
		if err := src.ReadPacket(&pkt, &md); err != nil {
			t.Fatalf("ReadPacket(%d): %v", i, err)
		}
		if pkt.PID() != want {
			t.Errorf("packet %d PID = 0x%04X, want 0x%04X", i, pkt.PID(), want)
		}
	}
	if err := src.ReadPacket(&pkt, &md); !errors.Is(err, io.EOF) {
		t.Errorf("ReadPacket past end = %v, want EOF", err)
	}
}

func TestReaderSourceTruncatedTail(t *testing.T) {
	t.Parallel()

	raw := streamOf(0x100)
	src := NewReaderSource(strings.NewReader(string(raw[:100])), nil)
	var pkt mpegts.Packet
	if err := src.ReadPacket(&pkt, nil); !errors.Is(err, io.EOF) {
		t.Errorf("ReadPacket on truncated packet = %v, want EOF", err)
	}
}

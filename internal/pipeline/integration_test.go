package pipeline_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/zsiec/tsflow/internal/encap"
	"github.com/zsiec/tsflow/internal/mpegts"
	"github.com/zsiec/tsflow/internal/pipeline"
	"github.com/zsiec/tsflow/internal/timeshift"
)

const (
	itPCRPID    = 0x0100
	itDataPID   = 0x0200
	itOuterPID  = 0x0700
	itDelay     = 32
	itTotal     = 600
	itBitrate   = 1_504_000 // 1000 packets/second
	itPCREvery  = 10
	itDataEvery = 3
)

// buildInputStream interleaves PCR packets, numbered data packets, and
// nulls. Returns the raw stream and the data packets in order.
func buildInputStream(t *testing.T) ([]byte, []mpegts.Packet) {
	t.Helper()
	var raw bytes.Buffer
	var data []mpegts.Packet
	var pcrCC, dataCC uint8

	for n := 0; n < itTotal; n++ {
		var pkt mpegts.Packet
		switch {
		case n%itPCREvery == 0:
			pkt.Init(itPCRPID, pcrCC, 0x00)
			pcrCC = (pcrCC + 1) & mpegts.CCMask
			pcr := uint64(n) * mpegts.PacketSizeBits * mpegts.SystemClockFreq / itBitrate
			if !pkt.SetPCR(pcr, true) {
				t.Fatalf("SetPCR failed at packet %d", n)
			}
		case n%itDataEvery == 0:
			pkt.Init(itDataPID, dataCC, 0x00)
			dataCC = (dataCC + 1) & mpegts.CCMask
			pl := pkt.Payload()
			for i := range pl {
				pl[i] = byte(n + i)
			}
			data = append(data, pkt)
		default:
			pkt = mpegts.NullPacket
		}
		raw.Write(pkt.B[:])
	}
	return raw.Bytes(), data
}

// decapsulate extracts the inner packets from the outer PID of a stream.
func decapsulate(t *testing.T, stream []byte) []mpegts.Packet {
	t.Helper()
	var data []byte
	started := false

	for off := 0; off+mpegts.PacketSize <= len(stream); off += mpegts.PacketSize {
		var pkt mpegts.Packet
		copy(pkt.B[:], stream[off:])
		if pkt.PID() != itOuterPID {
			continue
		}
		pl := pkt.Payload()
		if pkt.PUSI() {
			ptr := int(pl[0])
			if ptr >= len(pl) {
				t.Fatalf("pointer field %d out of payload at offset %d", ptr, off)
			}
			if started {
				// The pointer byte only marks the unit boundary; all
				// payload bytes after it are continuous inner data.
				data = append(data, pl[1:]...)
			} else {
				data = append(data, pl[1+ptr:]...)
				started = true
			}
		} else if started {
			data = append(data, pl...)
		}
	}

	// Inner units are 187 bytes, the sync byte is restored on extraction.
	var packets []mpegts.Packet
	for len(data) >= mpegts.PacketSize-1 {
		var pkt mpegts.Packet
		pkt.B[0] = mpegts.SyncByte
		copy(pkt.B[1:], data[:mpegts.PacketSize-1])
		packets = append(packets, pkt)
		data = data[mpegts.PacketSize-1:]
	}
	return packets
}

// The full chain: file source, time-shift delay line, encapsulation of the
// data PID, byte sink. The delayed stream must still decapsulate to the
// original data packets, byte-exact and in order.
func TestEndToEndEncapsulationChain(t *testing.T) {
	t.Parallel()

	raw, sent := buildInputStream(t)

	shift, err := timeshift.Open(timeshift.Config{Capacity: itDelay, MemoryPackets: 16, Directory: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("timeshift.Open: %v", err)
	}
	defer shift.Close()

	enc := encap.New(itOuterPID, []uint16{itDataPID}, itPCRPID, nil)

	var out bytes.Buffer
	p := pipeline.New(pipeline.NewReaderSource(bytes.NewReader(raw), nil), pipeline.NewWriterSink(&out), nil)
	p.Append(pipeline.ProcessorFunc(func(pkt *mpegts.Packet, md *mpegts.PacketMetadata) error {
		return shift.Shift(pkt, md)
	}))
	p.Append(enc)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Packet-count conservation: the chain is one packet out per packet in.
	if got := out.Len(); got != itTotal*mpegts.PacketSize {
		t.Fatalf("output = %d bytes, want %d", got, itTotal*mpegts.PacketSize)
	}

	// The input PID must be gone from the output stream.
	for off := 0; off+mpegts.PacketSize <= out.Len(); off += mpegts.PacketSize {
		var pkt mpegts.Packet
		copy(pkt.B[:], out.Bytes()[off:])
		if pkt.PID() == itDataPID {
			t.Fatalf("input PID leaked at offset %d", off)
		}
	}

	got := decapsulate(t, out.Bytes())
	if len(got) == 0 {
		t.Fatal("no inner packets recovered")
	}
	// The tail stays in the delay line and the late queue at EOF; everything
	// recovered must match the sent prefix exactly.
	if len(got) > len(sent) {
		t.Fatalf("recovered %d inner packets, sent only %d", len(got), len(sent))
	}
	if len(got) < len(sent)-itDelay {
		t.Fatalf("recovered %d inner packets, want at least %d", len(got), len(sent)-itDelay)
	}
	for i := range got {
		if !bytes.Equal(got[i].B[:], sent[i].B[:]) {
			t.Fatalf("inner packet %d differs from input", i)
		}
	}
}

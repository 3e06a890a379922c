// Package encap multiplexes several input PIDs from a transport stream into
// one single output PID. Input packets lose their sync byte and the remaining
// 187 bytes are packetized into the output PID like sections: the PUSI bit
// marks output packets containing the start of an inner packet, and the first
// payload byte is then a pointer field to that start. Null packets are
// replaced to absorb the encapsulation overhead, so the input stream must
// carry enough of them.
//
// An optional PES envelope wraps each output payload in a private-stream or
// metadata-stream PES packet carrying a SMPTE-336M (KLV) universal key, in
// asynchronous (no timestamp) or synchronous (PTS) form.
package encap

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/zsiec/tsflow/internal/mpegts"
)

// PESMode selects the optional PES envelope around the plain encapsulation.
type PESMode int

const (
	// PESDisabled produces the plain encapsulation without a PES envelope.
	PESDisabled PESMode = iota
	// PESFixed uses the short (7-bit) BER length form, capping the inner
	// payload at 127 bytes and stuffing the rest of the outer packet. The
	// whole PES packet always fits one outer TS packet.
	PESFixed
	// PESVariable fills outer packets completely, switching between short
	// and long BER forms as needed.
	PESVariable
)

// StartupPolicy selects what happens to input packets in synchronous PES
// mode before the first usable PCR is seen (no PTS can be computed yet).
type StartupPolicy int

const (
	// StartupBuffer holds initial input packets in the late queue, bounded
	// by the buffered-packet limit, and flushes them once a PCR arrives.
	StartupBuffer StartupPolicy = iota
	// StartupDrop discards initial input packets until a PCR arrives.
	StartupDrop
)

// DefaultMaxBufferedPackets bounds the late-packet queue. An overflow is
// usually caused by insufficient null packets in the input stream.
const DefaultMaxBufferedPackets = 1024

// klvKey is the SMPTE-336M universal label used as the single KLV key of
// every PES-encapsulated payload. It is a unique ID in the testing range.
// The last byte carries the PUSI-equivalent mark in bit 0x10.
var klvKey = [16]byte{
	0x06, 0x0E, 0x2B, 0x34,
	0x01, 0x01, 0x01, 0x01,
	0x0F, 0x01, 0x08, 0x00,
	0x0F, 0x0F, 0x0F, 0x0F,
}

// Errors reported by ProcessPacket. The encapsulator remains usable after
// any of them; the caller decides whether to abort the pipeline.
var (
	ErrPIDConflict = errors.New("PID conflict")
	ErrOverflow    = errors.New("buffered packets overflow")
	ErrPESMode     = errors.New("PES mode not implemented")
)

const invalidPacketCounter = ^uint64(0)

// PIDSet is a bit set over the 13-bit PID space.
type PIDSet [mpegts.PIDMax / 32]uint32

// Set adds a PID to the set.
func (s *PIDSet) Set(pid uint16) { s[pid/32] |= 1 << (pid % 32) }

// Clear removes a PID from the set.
func (s *PIDSet) Clear(pid uint16) { s[pid/32] &^= 1 << (pid % 32) }

// Test reports whether a PID is in the set.
func (s *PIDSet) Test(pid uint16) bool { return s[pid/32]&(1<<(pid%32)) != 0 }

// Count returns the number of PIDs in the set.
func (s *PIDSet) Count() int {
	n := 0
	for _, w := range s {
		n += popcount(w)
	}
	return n
}

func popcount(w uint32) int {
	n := 0
	for ; w != 0; w &= w - 1 {
		n++
	}
	return n
}

// Encapsulator is the stateful re-packetizer. It is a single-owner
// structure driven synchronously, one packet at a time, from the hosting
// pipeline thread.
type Encapsulator struct {
	log *slog.Logger

	packing      bool
	packDistance int
	pesMode      PESMode
	pesOffset    int64
	startup      StartupPolicy
	pidOutput    uint16
	pidInput     PIDSet
	labelInput   mpegts.LabelSet
	pcrReference uint16
	pcrRefLabel  int

	currentPacket uint64
	pcrLastPacket uint64
	pcrLastValue  uint64
	ptsPrevious   uint64
	bitrate       uint64 // bits/second, computed from consecutive PCRs
	insertPCR     bool
	ccOutput      uint8
	ccPES         uint8
	lastCC        map[uint16]uint8

	lateDistance   int
	lateMaxPackets int
	lateIndex      int // byte cursor into the front late packet
	latePackets    []*mpegts.Packet

	startupWaiting bool
	startupCount   int
}

// New creates an encapsulator for the given output PID, initial input PID
// set and PCR reference PID. Use mpegts.PIDNull for pcrReference to disable
// PCR insertion. If log is nil, slog.Default() is used.
func New(pidOutput uint16, pidInput []uint16, pcrReference uint16, log *slog.Logger) *Encapsulator {
	if log == nil {
		log = slog.Default()
	}
	e := &Encapsulator{
		log:          log.With("component", "encap"),
		pcrRefLabel:  -1,
		packDistance: math.MaxInt,
	}
	e.Reset(pidOutput, pidInput, pcrReference)
	return e
}

// Reset reinitializes all transient state (queues, counters, PCR tracking)
// and applies a new output PID, input set and PCR reference.
func (e *Encapsulator) Reset(pidOutput uint16, pidInput []uint16, pcrReference uint16) {
	e.packing = false
	e.packDistance = math.MaxInt
	e.pesMode = PESDisabled
	e.pesOffset = 0
	e.startup = StartupBuffer
	e.pidOutput = pidOutput
	e.pidInput = PIDSet{}
	for _, pid := range pidInput {
		e.AddInputPID(pid)
	}
	e.labelInput = 0
	e.pcrReference = pcrReference
	e.pcrRefLabel = -1
	e.currentPacket = 0
	e.ptsPrevious = mpegts.InvalidPTS
	e.ccOutput = 0
	e.ccPES = 1
	e.lastCC = make(map[uint16]uint8)
	e.lateDistance = 0
	e.lateIndex = 0
	e.latePackets = nil
	if e.lateMaxPackets == 0 {
		e.lateMaxPackets = DefaultMaxBufferedPackets
	}
	e.startupWaiting = false
	e.startupCount = 0
	e.resetPCR()
}

// OutputPID returns the output PID.
func (e *Encapsulator) OutputPID() uint16 { return e.pidOutput }

// SetOutputPID changes the output PID and restarts the output packetization.
func (e *Encapsulator) SetOutputPID(pid uint16) {
	if pid == e.pidOutput {
		return
	}
	e.pidOutput = pid
	e.ccOutput = 0
	e.ccPES = 1
	e.lastCC = make(map[uint16]uint8)
	e.lateDistance = 0
	e.lateIndex = 0
	e.latePackets = nil
}

// InputPIDs returns a copy of the current set of input PIDs.
func (e *Encapsulator) InputPIDs() *PIDSet {
	pids := e.pidInput
	return &pids
}

// PIDCount returns the number of PIDs being encapsulated.
func (e *Encapsulator) PIDCount() int { return e.pidInput.Count() }

// AddInputPID adds one PID to encapsulate. The null PID is never selectable.
func (e *Encapsulator) AddInputPID(pid uint16) {
	if pid < mpegts.PIDNull {
		e.pidInput.Set(pid)
	}
}

// RemoveInputPID stops encapsulating the given PID.
func (e *Encapsulator) RemoveInputPID(pid uint16) {
	if pid < mpegts.PIDNull {
		e.pidInput.Clear(pid)
	}
}

// SetInputLabels selects input packets by metadata label in addition to the
// PID set.
func (e *Encapsulator) SetInputLabels(labels mpegts.LabelSet) { e.labelInput = labels }

// ReferencePCR returns the PCR reference PID, or mpegts.PIDNull.
func (e *Encapsulator) ReferencePCR() uint16 { return e.pcrReference }

// SetReferencePCR changes the PCR reference PID and resets PCR tracking.
func (e *Encapsulator) SetReferencePCR(pid uint16) {
	if pid != e.pcrReference {
		e.pcrReference = pid
		e.resetPCR()
	}
}

// SetReferencePCRLabel selects the PCR reference by metadata label instead
// of (or in addition to) the reference PID. Pass a negative label to disable.
func (e *Encapsulator) SetReferencePCRLabel(label int) {
	if label != e.pcrRefLabel {
		e.pcrRefLabel = label
		e.resetPCR()
	}
}

// SetMaxBufferedPackets bounds the late-packet queue. A floor of 8 packets
// is always kept.
func (e *Encapsulator) SetMaxBufferedPackets(count int) {
	if count < 8 {
		count = 8
	}
	e.lateMaxPackets = count
}

// SetPacking switches packing mode. When off (the default), outer packets
// are issued as soon as a null packet is available, padded with stuffing if
// the queue cannot fill them. When on, outer packets are withheld until full
// or until limit input packets have elapsed since the last inner packet.
// A limit of 0 means no forced emission.
func (e *Encapsulator) SetPacking(on bool, limit int) {
	e.packing = on
	if limit <= 0 {
		limit = math.MaxInt
	}
	e.packDistance = limit
}

// SetPES selects the PES envelope mode (disabled by default).
func (e *Encapsulator) SetPES(mode PESMode) { e.pesMode = mode }

// SetPESOffset enables the synchronous PES encapsulation when non-zero.
// The offset, positive or negative, is added to the PCR-derived PTS.
// Recommended values are within one second (-90000 to +90000).
func (e *Encapsulator) SetPESOffset(offset int64) { e.pesOffset = offset }

// SetStartupPolicy selects the synchronous-mode start-up behavior before
// the first usable PCR.
func (e *Encapsulator) SetStartupPolicy(p StartupPolicy) { e.startup = p }

// Bitrate returns the input bitrate in bits/second measured from the PCR
// reference, or 0 while unknown.
func (e *Encapsulator) Bitrate() uint64 { return e.bitrate }

// resetPCR forgets PCR synchronization after a discontinuity.
func (e *Encapsulator) resetPCR() {
	e.pcrLastPacket = invalidPacketCounter
	e.pcrLastValue = mpegts.InvalidPCR
	e.bitrate = 0
	e.insertPCR = false
}

// isInput reports whether a packet is selected for encapsulation.
func (e *Encapsulator) isInput(pid uint16, md *mpegts.PacketMetadata) bool {
	if pid == mpegts.PIDNull || e.pidOutput == mpegts.PIDNull {
		return false
	}
	if e.pidInput.Test(pid) {
		return true
	}
	return md != nil && e.labelInput.Intersects(md.Labels)
}

// syncStartup reports whether synchronous PES mode is still waiting for its
// first usable PCR, during which no PTS can be computed.
func (e *Encapsulator) syncStartup() bool {
	return e.pesMode != PESDisabled && e.pesOffset != 0 &&
		(e.bitrate == 0 || e.pcrLastValue == mpegts.InvalidPCR)
}

// ProcessPacket consumes one packet from the input stream. Packets on input
// PIDs (or with input labels) are queued and replaced in place by a null
// packet; null packets are replaced by output packets draining the queue.
// A non-nil error reports a PID conflict, a queue overflow or an invalid
// PES mode; the encapsulator remains usable for subsequent calls.
func (e *Encapsulator) ProcessPacket(pkt *mpegts.Packet, md *mpegts.PacketMetadata) error {
	pid := pkt.PID()
	var err error

	// Track continuity counters per PID. A sequence break under
	// payload-bearing packets invalidates the PCR bitrate tracking:
	// the elapsed-packets-per-PCR assumption no longer holds.
	if pid != mpegts.PIDNull && pkt.HasPayload() {
		cc := pkt.CC()
		if last, ok := e.lastCC[pid]; ok && cc != (last+1)&mpegts.CCMask {
			if e.bitrate != 0 || e.pcrLastValue != mpegts.InvalidPCR {
				e.log.Warn("continuity discontinuity, resetting PCR tracking",
					"pid", pid, "cc", cc, "expected", (last+1)&mpegts.CCMask)
			}
			e.resetPCR()
		}
		e.lastCC[pid] = cc
	}

	// Collect PCRs from the reference PID to compute the stream bitrate.
	isRef := (e.pcrReference != mpegts.PIDNull && pid == e.pcrReference) ||
		(e.pcrRefLabel >= 0 && md != nil && md.Labels.Has(e.pcrRefLabel))
	if isRef && pkt.HasPCR() {
		pcr := pkt.PCR()
		if e.pcrLastValue != mpegts.InvalidPCR && e.pcrLastValue < pcr {
			elapsed := e.currentPacket - e.pcrLastPacket
			e.bitrate = elapsed * mpegts.PacketSizeBits * mpegts.SystemClockFreq / (pcr - e.pcrLastValue)
			// Insert a PCR in the output PID as soon as possible after
			// a PCR on the reference PID.
			e.insertPCR = e.bitrate != 0
			if e.startupWaiting && !e.syncStartup() {
				e.log.Info("PES synchronous start-up complete",
					"affected_packets", e.startupCount)
				e.startupWaiting = false
			}
		}
		e.pcrLastPacket = e.currentPacket
		e.pcrLastValue = pcr
	}

	// A PID conflict: the output PID carries live data which is not being
	// encapsulated. The output stream would be corrupt.
	if pid == e.pidOutput && !e.isInput(pid, md) {
		err = fmt.Errorf("%w: output PID 0x%04X carries unencapsulated input data", ErrPIDConflict, pid)
	}

	e.lateDistance++
	if e.lateIndex < 1 {
		e.lateIndex = 1 // always skip the sync byte of the front packet
	}

	if e.isInput(pid, md) {
		switch {
		case e.syncStartup() && e.startup == StartupDrop:
			if !e.startupWaiting {
				e.log.Info("PES synchronous start-up, dropping input until first PCR")
				e.startupWaiting = true
			}
			e.startupCount++
		case len(e.latePackets) > e.lateMaxPackets:
			err = fmt.Errorf("%w: insufficient null packets in input stream", ErrOverflow)
		default:
			if e.syncStartup() && e.startup == StartupBuffer && !e.startupWaiting {
				e.log.Info("PES synchronous start-up, buffering input until first PCR")
				e.startupWaiting = true
			}
			if e.startupWaiting {
				e.startupCount++
			}
			q := *pkt
			e.latePackets = append(e.latePackets, &q)
			if len(e.latePackets) == 1 {
				e.lateIndex = 1
			}
		}
		// The caller's packet becomes a null packet; it may be replaced
		// by an output packet below.
		*pkt = mpegts.NullPacket
		pid = mpegts.PIDNull
		if md != nil {
			md.Nullified = true
		}
	}

	if e.pesMode < PESDisabled || e.pesMode > PESVariable {
		err = fmt.Errorf("%w: mode %d", ErrPESMode, e.pesMode)
	}

	// Replace null packets with output packets draining the queue. In
	// synchronous PES start-up no output can be built: a PTS is required
	// in every PES packet but no PCR has been seen yet.
	if pid == mpegts.PIDNull && len(e.latePackets) > 0 && !e.syncStartup() {
		e.buildOutput(pkt, md)
	}

	e.currentPacket++
	return err
}

// buildOutput constructs one output packet in place of a null packet,
// unless packing withholds it.
func (e *Encapsulator) buildOutput(pkt *mpegts.Packet, md *mpegts.PacketMetadata) {
	addPCR := e.insertPCR && e.bitrate != 0 &&
		e.pcrLastPacket != invalidPacketCounter && e.pcrLastValue != mpegts.InvalidPCR

	// Bytes available in the queue, counting at most the first two packets.
	addBytes := mpegts.PacketSize - e.lateIndex
	if len(e.latePackets) > 1 {
		addBytes += mpegts.PacketSize
	}

	// Unless packing is requested, emit an output packet whenever a slot
	// is available. With packing, wait for enough data to fill it, or for
	// the configured distance to be exceeded.
	packout := !e.packing
	if e.packing && e.lateDistance > e.packDistance {
		packout = true
	}
	room := 4
	if addPCR {
		room = 12 // TS header plus 8-byte adaptation field with PCR
	}
	if !packout && addBytes < mpegts.PacketSize-room-1 {
		return
	}

	pkt.Init(e.pidOutput, e.ccOutput, 0xFF)
	e.ccOutput = (e.ccOutput + 1) & mpegts.CCMask

	if addPCR {
		pkt.SetPCR(e.pcrLastValue+e.pcrDistance(), true)
		// No further PCR until the next one on the reference PID.
		e.insertPCR = false
	}

	pesSync := 0
	if e.pesOffset != 0 {
		pesSync = 10 // PTS (5 bytes) plus metadata AU header (5 bytes)
	}

	// In fixed mode, cap the payload so the inner size always fits the
	// short BER form: 9 PES header + 16 key + 1 BER + 127 data (+10 sync).
	if e.pesMode == PESFixed && pkt.PayloadSize() > 153+pesSync {
		pkt.SetPayloadSize(153+pesSync, true, 0xFF)
	}

	// Size of the PES envelope: 9-byte PES header, 16-byte KLV key and a
	// 1- or 2-byte BER length, plus 10 bytes in synchronous mode.
	pesHeader := 0
	if e.pesMode != PESDisabled {
		if addBytes <= 127 || pkt.PayloadSize() <= 153+pesSync {
			pesHeader = 26 + pesSync
		} else {
			pesHeader = 27 + pesSync
		}
	}

	// With fewer queued bytes than the payload capacity, enlarge the
	// adaptation field with stuffing. So few bytes in a single late packet
	// cannot be the start of an inner packet, hence no pointer field.
	if len(e.latePackets) == 1 && e.lateIndex > pesHeader+pkt.HeaderSize() {
		pkt.SetPayloadSize(mpegts.PacketSize-e.lateIndex+pesHeader, true, 0xFF)
	}

	pktIndex := pkt.HeaderSize()

	// pesPointer remembers where the optional PES fields start, for the
	// length fixups once the final layout is known.
	pesPointer := 0
	if pesHeader > 0 {
		pktIndex, pesPointer = e.writePESHeader(pkt, pktIndex, pesSync)
	}

	// Insert PUSI and pointer field when an inner packet starts here. In
	// PES mode the equivalent mark is bit 0x10 of the last KLV key byte.
	if e.lateIndex == 1 {
		if e.pesMode != PESDisabled {
			pkt.B[pesPointer+18+pesSync] |= 0x10
		} else {
			pkt.SetPUSI(true)
		}
		pkt.B[pktIndex] = 0
		pktIndex++
	} else if e.lateIndex > pktIndex+1 && len(e.latePackets) > 1 {
		// The front packet ends within this payload and another starts.
		if e.pesMode != PESDisabled {
			pkt.B[pesPointer+18+pesSync] |= 0x10
		} else {
			pkt.SetPUSI(true)
		}
		pkt.B[pktIndex] = byte(mpegts.PacketSize - e.lateIndex)
		pktIndex++
	}

	e.fillFromQueue(pkt, &pktIndex)
	if pktIndex < mpegts.PacketSize && len(e.latePackets) > 0 {
		e.fillFromQueue(pkt, &pktIndex)
	}

	e.lateDistance = 0
	if md != nil {
		md.Nullified = false
	}
}

// writePESHeader writes the PES envelope (header, optional PTS and metadata
// AU header, KLV key and BER length) and returns the updated write index
// and the offset of the optional PES fields.
func (e *Encapsulator) writePESHeader(pkt *mpegts.Packet, pktIndex, pesSync int) (int, int) {
	b := pkt.B[:]

	b[pktIndex] = 0x00 // PES start code prefix
	b[pktIndex+1] = 0x00
	b[pktIndex+2] = 0x01
	if pesSync == 0 {
		b[pktIndex+3] = 0xBD // private_stream_1
	} else {
		b[pktIndex+3] = 0xFC // metadata stream
	}
	b[pktIndex+4] = 0x00 // PES packet length, completed below
	b[pktIndex+5] = 0x00
	pktIndex += 6

	pesPointer := pktIndex

	if pesSync == 0 {
		b[pktIndex] = 0x84 // data alignment
		b[pktIndex+1] = 0x00
		b[pktIndex+2] = 0x00 // no optional fields
		pktIndex += 3
	} else {
		b[pktIndex] = 0x80
		b[pktIndex+1] = 0x80 // PTS present
		b[pktIndex+2] = 0x05
		pktIndex += 3

		// Empty PTS (00:00:00.0000), rewritten below once the distance
		// from the last PCR is known.
		b[pktIndex] = 0x21
		b[pktIndex+1] = 0x00
		b[pktIndex+2] = 0x01
		b[pktIndex+3] = 0x00
		b[pktIndex+4] = 0x01
		pktIndex += 5

		// Metadata AU header.
		b[pktIndex] = 0x00 // service id
		b[pktIndex+1] = e.ccPES
		e.ccPES++ // free-running 8-bit sequence number
		b[pktIndex+2] = 0xDF
		b[pktIndex+3] = 0x00 // AU cell data length, completed below
		b[pktIndex+4] = 0x00
		pktIndex += 5
	}

	copy(b[pktIndex:], klvKey[:])
	pktIndex += len(klvKey)

	// BER length of the value part: long form (two bytes) when the
	// remaining space exceeds 127 bytes.
	payloadSize := mpegts.PacketSize - pktIndex - 1
	if payloadSize > 127 {
		b[pktIndex] = 0x81
		pktIndex++
		payloadSize--
	}
	b[pktIndex] = byte(payloadSize)
	pktIndex++

	// Every output packet is a whole PES packet.
	pkt.SetPUSI(true)

	// PES packet length covers everything after its own field.
	b[pesPointer-1] = byte(mpegts.PacketSize - pesPointer)

	if pesSync != 0 {
		b[pesPointer-1+13] = byte(mpegts.PacketSize - pesPointer - 13)

		// PTS from the last PCR plus the elapsed distance, plus the
		// configured offset, without wrap-up handling.
		pts := (e.pcrLastValue + e.pcrDistance()) / mpegts.SystemClockSubfactor
		if pts != 0 && e.pcrLastValue != mpegts.InvalidPCR && e.pcrLastValue != 0 &&
			e.pcrDistance() != 0 && int64(pts)+e.pesOffset > 0 {
			pts = uint64(int64(pts) + e.pesOffset)
		} else {
			pts = e.ptsPrevious
		}
		// Strict monotonic increase.
		if e.ptsPrevious != mpegts.InvalidPTS && pts <= e.ptsPrevious {
			pts = e.ptsPrevious + 1
		}
		pts &= mpegts.PTSMask
		pkt.SetPTS(pts)
		e.ptsPrevious = pts
	}

	return pktIndex, pesPointer
}

// fillFromQueue copies payload bytes from the front late packet into the
// output packet, honoring the byte cursor across a front/second packet
// boundary. The front packet is dequeued once fully consumed.
func (e *Encapsulator) fillFromQueue(pkt *mpegts.Packet, pktIndex *int) {
	front := e.latePackets[0]
	n := mpegts.PacketSize - *pktIndex
	if m := mpegts.PacketSize - e.lateIndex; m < n {
		n = m
	}
	copy(pkt.B[*pktIndex:*pktIndex+n], front.B[e.lateIndex:e.lateIndex+n])
	*pktIndex += n
	e.lateIndex += n

	if e.lateIndex >= mpegts.PacketSize {
		e.latePackets = e.latePackets[1:]
		e.lateIndex = 1 // skip the sync byte of the next packet
	}
}

// pcrDistance extrapolates the PCR increment since the last reference PCR,
// from the computed bitrate and the elapsed output packet count.
func (e *Encapsulator) pcrDistance() uint64 {
	if e.bitrate == 0 || e.pcrLastPacket == invalidPacketCounter {
		return 0
	}
	elapsed := e.currentPacket - e.pcrLastPacket
	return elapsed * mpegts.PacketSizeBits * mpegts.SystemClockFreq / e.bitrate
}

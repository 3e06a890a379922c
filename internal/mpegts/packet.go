package mpegts

import "encoding/binary"

// Packet is a fixed 188-byte MPEG-TS transport packet. The raw bytes are
// exported so hosts can copy packets in and out of I/O buffers; all field
// access goes through methods that compute offsets on demand.
type Packet struct {
	B [PacketSize]byte
}

// NullPacket is a reference null packet: PID 0x1FFF, payload of 0xFF bytes.
var NullPacket = makeNullPacket()

func makeNullPacket() Packet {
	var p Packet
	p.Init(PIDNull, 0, 0xFF)
	return p
}

// Init overwrites the packet with a minimal valid packet on the given PID:
// no adaptation field, payload only, every payload byte set to fill.
func (p *Packet) Init(pid uint16, cc uint8, fill byte) {
	p.B[0] = SyncByte
	p.B[1] = byte(pid>>8) & 0x1F
	p.B[2] = byte(pid)
	p.B[3] = 0x10 | (cc & CCMask)
	for i := 4; i < PacketSize; i++ {
		p.B[i] = fill
	}
}

// HasValidSync reports whether the packet starts with the sync byte.
func (p *Packet) HasValidSync() bool { return p.B[0] == SyncByte }

// PID returns the 13-bit packet identifier.
func (p *Packet) PID() uint16 {
	return binary.BigEndian.Uint16(p.B[1:3]) & 0x1FFF
}

// SetPID replaces the 13-bit packet identifier.
func (p *Packet) SetPID(pid uint16) {
	p.B[1] = (p.B[1] & 0xE0) | byte(pid>>8)&0x1F
	p.B[2] = byte(pid)
}

// IsNull reports whether the packet is on the null (stuffing) PID.
func (p *Packet) IsNull() bool { return p.PID() == PIDNull }

// TEI returns the transport error indicator.
func (p *Packet) TEI() bool { return p.B[1]&0x80 != 0 }

// PUSI returns the payload unit start indicator.
func (p *Packet) PUSI() bool { return p.B[1]&0x40 != 0 }

// SetPUSI sets or clears the payload unit start indicator.
func (p *Packet) SetPUSI(on bool) {
	if on {
		p.B[1] |= 0x40
	} else {
		p.B[1] &^= 0x40
	}
}

// IsClear reports whether the packet is not scrambled.
func (p *Packet) IsClear() bool { return p.B[3]>>6 == 0 }

// CC returns the 4-bit continuity counter.
func (p *Packet) CC() uint8 { return p.B[3] & CCMask }

// SetCC replaces the continuity counter.
func (p *Packet) SetCC(cc uint8) { p.B[3] = (p.B[3] & 0xF0) | (cc & CCMask) }

// HasAF reports whether an adaptation field is present.
func (p *Packet) HasAF() bool { return p.B[3]&0x20 != 0 }

// afSize returns the total adaptation field size including its length byte,
// or 0 when there is none.
func (p *Packet) afSize() int {
	if !p.HasAF() {
		return 0
	}
	return int(p.B[4]) + 1
}

// HeaderSize returns the size of the TS header plus adaptation field.
func (p *Packet) HeaderSize() int {
	size := 4 + p.afSize()
	if size > PacketSize {
		size = PacketSize
	}
	return size
}

// HasPayload reports whether the packet carries a payload.
func (p *Packet) HasPayload() bool { return p.B[3]&0x10 != 0 }

// PayloadSize returns the payload size in bytes (0 without a payload flag).
func (p *Packet) PayloadSize() int {
	if !p.HasPayload() {
		return 0
	}
	return PacketSize - p.HeaderSize()
}

// Payload returns the payload bytes, aliasing the packet storage.
func (p *Packet) Payload() []byte { return p.B[p.HeaderSize():] }

// afStuffingSize returns the size of the stuffing part of the adaptation
// field, after all declared optional fields.
func (p *Packet) afStuffingSize() int {
	if !p.HasAF() || p.B[4] == 0 {
		return 0
	}
	flags := p.B[5]
	size := 1 // flags byte
	off := 6
	if flags&0x10 != 0 { // PCR
		size += pcrBytes
		off += pcrBytes
	}
	if flags&0x08 != 0 { // OPCR
		size += pcrBytes
		off += pcrBytes
	}
	if flags&0x04 != 0 { // splice countdown
		size++
		off++
	}
	if flags&0x02 != 0 && off < PacketSize { // transport private data
		size += 1 + int(p.B[off])
		off += 1 + int(p.B[off])
	}
	if flags&0x01 != 0 && off < PacketSize { // AF extension
		size += 1 + int(p.B[off])
	}
	if size > int(p.B[4]) {
		return 0
	}
	return int(p.B[4]) - size
}

// SetPayloadSize shrinks or extends the payload by resizing the adaptation
// field, creating one when needed. Shrinking fills the freed space with pad
// bytes; extending is only possible by reclaiming AF stuffing. When
// shiftPayload is true the payload bytes are moved so the payload still ends
// at the packet boundary. Returns false when the requested size cannot be
// reached.
func (p *Packet) SetPayloadSize(size int, shiftPayload bool, pad byte) bool {
	plSize := p.PayloadSize()

	switch {
	case size == plSize:
		return true

	case size < plSize:
		// Shrinking is always possible.
		if shiftPayload {
			copy(p.B[PacketSize-size:], p.B[PacketSize-plSize:PacketSize-plSize+size])
		}
		if !p.HasAF() {
			p.B[3] |= 0x20
			p.B[4] = 0
			plSize--
			if plSize == size {
				return true
			}
		}
		if p.B[4] == 0 {
			// AF exists but is empty, create the flags byte.
			p.B[4] = 1
			p.B[5] = 0
			plSize--
		}
		stuffStart := 5 + int(p.B[4])
		for i := 0; i < plSize-size; i++ {
			p.B[stuffStart+i] = pad
		}
		p.B[4] += byte(plSize - size)
		return true

	case plSize+p.afStuffingSize() < size:
		// Not enough AF stuffing to reclaim.
		return false

	default:
		add := size - plSize
		if shiftPayload {
			copy(p.B[PacketSize-size:PacketSize-size+plSize], p.B[PacketSize-plSize:])
			for i := PacketSize - add; i < PacketSize; i++ {
				p.B[i] = pad
			}
		}
		p.B[4] -= byte(add)
		return true
	}
}

// reserveStuffing makes sure the adaptation field contains at least size
// bytes of stuffing, shrinking the payload when allowed. With enforceAF the
// AF and its flags byte are created even when size is zero.
func (p *Packet) reserveStuffing(size int, shiftPayload, enforceAF bool) bool {
	af := p.afSize()
	stuff := p.afStuffingSize()
	payload := p.PayloadSize()

	moreAF := 0
	if size > stuff {
		moreAF = size - stuff
	}
	if moreAF > 0 || enforceAF {
		if af == 0 {
			moreAF += 2 // AF length byte and flags byte
		} else if af == 1 {
			moreAF++ // flags byte missing
		}
	}

	if moreAF == 0 {
		return true
	}
	if !shiftPayload || moreAF > payload {
		return false
	}
	return p.SetPayloadSize(payload-moreAF, true, 0xFF)
}

// DiscontinuityIndicator returns the AF discontinuity flag.
func (p *Packet) DiscontinuityIndicator() bool {
	return p.afSize() > 1 && p.B[5]&0x80 != 0
}

// RandomAccessIndicator returns the AF random access flag.
func (p *Packet) RandomAccessIndicator() bool {
	return p.afSize() > 1 && p.B[5]&0x40 != 0
}

// pcrOffset returns the byte offset of the PCR field, or 0 when absent.
func (p *Packet) pcrOffset() int {
	if p.HasPCR() && p.B[4] >= 7 {
		return 6
	}
	return 0
}

// opcrOffset returns the byte offset of the OPCR field, or 0 when absent.
func (p *Packet) opcrOffset() int {
	switch {
	case !p.HasOPCR():
		return 0
	case p.HasPCR():
		if p.B[4] >= 13 {
			return 12
		}
		return 0
	default:
		if p.B[4] >= 7 {
			return 6
		}
		return 0
	}
}

// HasPCR reports whether the adaptation field declares a PCR.
func (p *Packet) HasPCR() bool {
	return p.afSize() > 1 && p.B[5]&0x10 != 0
}

// HasOPCR reports whether the adaptation field declares an OPCR.
func (p *Packet) HasOPCR() bool {
	return p.afSize() > 1 && p.B[5]&0x08 != 0
}

// PCR returns the 42-bit Program Clock Reference in 27 MHz units,
// or InvalidPCR when the packet carries none.
func (p *Packet) PCR() uint64 {
	off := p.pcrOffset()
	if off == 0 {
		return InvalidPCR
	}
	return getPCR(p.B[off:])
}

// OPCR returns the Original Program Clock Reference, or InvalidPCR.
func (p *Packet) OPCR() uint64 {
	off := p.opcrOffset()
	if off == 0 {
		return InvalidPCR
	}
	return getPCR(p.B[off:])
}

// SetPCR creates or replaces the PCR, enlarging the adaptation field when
// needed. Returns false when there is no room and the payload may not shift.
func (p *Packet) SetPCR(pcr uint64, shiftPayload bool) bool {
	if pcr == InvalidPCR {
		return false
	}
	off := p.pcrOffset()
	if off == 0 {
		if !p.reserveStuffing(pcrBytes, shiftPayload, false) {
			return false
		}
		p.B[5] |= 0x10
		off = 6
		// Shift the existing AF content to make room for the PCR value.
		n := 4 + p.afSize() - off - pcrBytes
		copy(p.B[off+pcrBytes:off+pcrBytes+n], p.B[off:off+n])
	}
	putPCR(p.B[off:], pcr)
	return true
}

// SetOPCR creates or replaces the OPCR, enlarging the adaptation field when
// needed.
func (p *Packet) SetOPCR(opcr uint64, shiftPayload bool) bool {
	if opcr == InvalidPCR {
		return false
	}
	off := p.opcrOffset()
	if off == 0 {
		if !p.reserveStuffing(pcrBytes, shiftPayload, false) {
			return false
		}
		p.B[5] |= 0x08
		off = 6
		if p.HasPCR() {
			off += pcrBytes
		}
		n := 4 + p.afSize() - off - pcrBytes
		copy(p.B[off+pcrBytes:off+pcrBytes+n], p.B[off:off+n])
	}
	putPCR(p.B[off:], opcr)
	return true
}

// HasSpliceCountdown reports whether the AF declares a splice countdown.
func (p *Packet) HasSpliceCountdown() bool {
	return p.afSize() > 1 && p.B[5]&0x04 != 0
}

// spliceCountdownOffset returns the splice countdown offset, or 0.
func (p *Packet) spliceCountdownOffset() int {
	switch {
	case !p.HasSpliceCountdown():
		return 0
	case p.HasPCR() && p.HasOPCR():
		if p.B[4] >= 14 {
			return 18
		}
		return 0
	case p.HasPCR() || p.HasOPCR():
		if p.B[4] >= 8 {
			return 12
		}
		return 0
	default:
		if p.B[4] >= 2 {
			return 6
		}
		return 0
	}
}

// SpliceCountdown returns the signed splice countdown value, or 0.
func (p *Packet) SpliceCountdown() int8 {
	off := p.spliceCountdownOffset()
	if off == 0 {
		return 0
	}
	return int8(p.B[off])
}

// SetSpliceCountdown creates or replaces the splice countdown value.
func (p *Packet) SetSpliceCountdown(count int8, shiftPayload bool) bool {
	off := p.spliceCountdownOffset()
	if off == 0 {
		if !p.reserveStuffing(1, shiftPayload, false) {
			return false
		}
		p.B[5] |= 0x04
		off = 6
		if p.HasPCR() {
			off += pcrBytes
		}
		if p.HasOPCR() {
			off += pcrBytes
		}
		n := 4 + p.afSize() - off - 1
		copy(p.B[off+1:off+1+n], p.B[off:off+n])
	}
	p.B[off] = byte(count)
	return true
}

// StartPES reports whether the packet carries the start of a clear PES
// header: PUSI set and the payload begins with the 0x000001 prefix.
func (p *Packet) StartPES() bool {
	if !p.HasValidSync() || p.TEI() || !p.PUSI() || !p.IsClear() || !p.HasPayload() {
		return false
	}
	pl := p.Payload()
	return len(pl) >= 3 && pl[0] == 0x00 && pl[1] == 0x00 && pl[2] == 0x01
}

// ptsOffset returns the byte offset of the PTS field, or 0 when absent.
func (p *Packet) ptsOffset() int {
	if !p.StartPES() {
		return 0
	}
	pl := p.Payload()
	if len(pl) < 14 || !isLongHeaderStreamID(pl[3]) {
		return 0
	}
	flags := pl[7] >> 6
	if flags&0x02 == 0 ||
		(flags == 0x02 && pl[9]&0xF1 != 0x21) ||
		(flags == 0x03 && pl[9]&0xF1 != 0x31) ||
		pl[11]&0x01 != 0x01 ||
		pl[13]&0x01 != 0x01 {
		return 0
	}
	return p.HeaderSize() + 9
}

// HasPTS reports whether the packet starts a PES header with a PTS.
func (p *Packet) HasPTS() bool { return p.ptsOffset() != 0 }

// PTS returns the 33-bit presentation timestamp, or InvalidPTS.
func (p *Packet) PTS() uint64 {
	off := p.ptsOffset()
	if off == 0 {
		return InvalidPTS
	}
	return uint64(p.B[off]&0x0E)<<29 |
		uint64(binary.BigEndian.Uint16(p.B[off+1:])&0xFFFE)<<14 |
		uint64(binary.BigEndian.Uint16(p.B[off+3:]))>>1
}

// SetPTS rewrites the PTS in place, preserving the marker bits. It has no
// effect when the packet does not already carry a PTS field.
func (p *Packet) SetPTS(pts uint64) {
	off := p.ptsOffset()
	if off == 0 || pts == InvalidPTS {
		return
	}
	p.B[off] = (p.B[off] & 0xF1) | (byte(pts>>29) & 0x0E)
	v := binary.BigEndian.Uint16(p.B[off+1:])
	binary.BigEndian.PutUint16(p.B[off+1:], (v&0x0001)|(uint16(pts>>14)&0xFFFE))
	v = binary.BigEndian.Uint16(p.B[off+3:])
	binary.BigEndian.PutUint16(p.B[off+3:], (v&0x0001)|(uint16(pts<<1)&0xFFFE))
}

// isLongHeaderStreamID reports whether a PES stream id is followed by the
// long (optional) PES header. Padding, private_2, ECM, EMM, DSMCC, H.222.1
// type E and the program stream directory use the short form.
func isLongHeaderStreamID(sid uint8) bool {
	switch sid {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

// getPCR extracts a 42-bit PCR from its 6-byte encoding: a 33-bit base,
// 6 reserved bits, and a 9-bit extension.
func getPCR(b []byte) uint64 {
	v32 := binary.BigEndian.Uint32(b)
	v16 := binary.BigEndian.Uint16(b[4:])
	base := uint64(v32)<<1 | uint64(v16>>15)
	ext := uint64(v16 & 0x01FF)
	return base*SystemClockSubfactor + ext
}

// putPCR writes a 42-bit PCR into its 6-byte encoding, setting the six
// reserved bits to 1.
func putPCR(b []byte, pcr uint64) {
	base := pcr / SystemClockSubfactor
	ext := pcr % SystemClockSubfactor
	binary.BigEndian.PutUint32(b, uint32(base>>1))
	binary.BigEndian.PutUint16(b[4:], uint16(base<<15)|0x7E00|uint16(ext))
}

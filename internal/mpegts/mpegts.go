// Package mpegts implements the fixed-layout MPEG-TS transport packet and
// its per-packet metadata. A Packet is a mutable 188-byte array wrapped by
// accessor methods that compute field offsets on demand (adaptation field,
// PCR, PTS), preserving bit-exact layout for downstream interoperability.
package mpegts

const (
	// PacketSize is the fixed size of an MPEG-TS packet in bytes.
	PacketSize = 188

	// PacketSizeBits is the size of an MPEG-TS packet in bits.
	PacketSizeBits = PacketSize * 8

	// SyncByte is the initial synchronization byte of every TS packet.
	SyncByte = 0x47

	// PIDNull is the reserved PID for null (stuffing) packets.
	PIDNull = 0x1FFF

	// PIDMax is the number of possible PID values (13-bit field).
	PIDMax = 0x2000

	// CCMask masks the 4-bit continuity counter.
	CCMask = 0x0F

	// SystemClockFreq is the MPEG-2 system clock frequency in Hz,
	// used by PCR values (27 MHz).
	SystemClockFreq = 27_000_000

	// SystemClockSubfactor relates the PCR base clock (90 kHz) to the
	// full 27 MHz system clock: PCR = base*300 + extension.
	SystemClockSubfactor = 300

	// PTSScale is the wrap-up period of PTS and DTS values (2^33).
	PTSScale = 1 << 33

	// PTSMask masks a 33-bit PTS or DTS value.
	PTSMask = PTSScale - 1

	// PCRScale is the wrap-up period of a full 42-bit PCR value.
	PCRScale = PTSScale * SystemClockSubfactor

	// pcrBytes is the size of an encoded PCR in the adaptation field.
	pcrBytes = 6
)

const (
	// InvalidPCR is an all-ones marker for a missing PCR value.
	InvalidPCR = ^uint64(0)

	// InvalidPTS is an all-ones marker for a missing PTS value.
	InvalidPTS = ^uint64(0)
)

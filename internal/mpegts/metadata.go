package mpegts

// LabelCount is the number of per-packet boolean labels (a 32-bit set).
const LabelCount = 32

// LabelSet is a compact set of packet labels, one bit per label.
type LabelSet uint32

// Set returns the set with the given label added.
func (s LabelSet) Set(label int) LabelSet { return s | 1<<uint(label) }

// Clear returns the set with the given label removed.
func (s LabelSet) Clear(label int) LabelSet { return s &^ (1 << uint(label)) }

// Has reports whether the given label is in the set.
func (s LabelSet) Has(label int) bool { return s&(1<<uint(label)) != 0 }

// Any reports whether the set is non-empty.
func (s LabelSet) Any() bool { return s != 0 }

// Intersects reports whether the two sets share at least one label.
func (s LabelSet) Intersects(other LabelSet) bool { return s&other != 0 }

// PacketMetadata is the out-of-band record passed along with each packet
// across component boundaries. It never travels inside the packet bytes.
type PacketMetadata struct {
	// Labels is an arbitrary small set of boolean marks usable for
	// input selection, set by the hosting pipeline.
	Labels LabelSet

	// Nullified is set when a component replaced the packet with a null
	// packet (the original content was consumed).
	Nullified bool

	// InputStuffing is set on null packets that were produced by a
	// buffering component rather than present in the source stream.
	InputStuffing bool

	// Flush asks the host to push all upstream-buffered packets
	// downstream before processing more input.
	Flush bool
}

// Reset clears all metadata fields for reuse.
func (m *PacketMetadata) Reset() {
	*m = PacketMetadata{}
}

// Package timeshift implements a bounded FIFO delay line for transport
// packets with their metadata. Small buffers live entirely in memory; larger
// ones spill to an exclusively-owned temporary file through two half-quota
// memory caches, so steady-state operation costs at most two seeked I/O
// calls per cache turnover.
package timeshift

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/zsiec/tsflow/internal/mpegts"
)

// MinCapacity is the smallest usable buffer: below two packets there is
// nothing to shift.
const MinCapacity = 2

// minMemoryPackets keeps both hybrid-mode caches at least two packets deep.
const minMemoryPackets = 4

// recordSize is the on-disk and in-cache size of one buffered packet:
// the raw packet followed by its metadata (labels, flags, reserved).
const recordSize = mpegts.PacketSize + 8

const (
	flagNullified = 1 << iota
	flagInputStuffing
	flagFlush
)

// Config describes a buffer before it is opened.
type Config struct {
	// Capacity is the total buffer depth in packets.
	Capacity int

	// MemoryPackets is the memory quota in packets. When Capacity fits
	// within it, no backing file is used.
	MemoryPackets int

	// Directory receives the backing file in hybrid mode. Empty selects
	// the platform temp area.
	Directory string
}

// Validate rejects impossible configurations before any packet is handled.
func (c Config) Validate() error {
	if c.Capacity < MinCapacity {
		return fmt.Errorf("timeshift: capacity %d below minimum %d", c.Capacity, MinCapacity)
	}
	if c.MemoryPackets < minMemoryPackets {
		return fmt.Errorf("timeshift: memory quota %d below minimum %d", c.MemoryPackets, minMemoryPackets)
	}
	return nil
}

type record [recordSize]byte

func encodeRecord(r *record, pkt *mpegts.Packet, md *mpegts.PacketMetadata) {
	copy(r[:mpegts.PacketSize], pkt.B[:])
	var labels mpegts.LabelSet
	var flags byte
	if md != nil {
		labels = md.Labels
		if md.Nullified {
			flags |= flagNullified
		}
		if md.InputStuffing {
			flags |= flagInputStuffing
		}
		if md.Flush {
			flags |= flagFlush
		}
	}
	binary.BigEndian.PutUint32(r[mpegts.PacketSize:], uint32(labels))
	r[mpegts.PacketSize+4] = flags
	r[mpegts.PacketSize+5] = 0
	r[mpegts.PacketSize+6] = 0
	r[mpegts.PacketSize+7] = 0
}

func decodeRecord(r *record, pkt *mpegts.Packet, md *mpegts.PacketMetadata) {
	copy(pkt.B[:], r[:mpegts.PacketSize])
	if md == nil {
		return
	}
	md.Reset()
	md.Labels = mpegts.LabelSet(binary.BigEndian.Uint32(r[mpegts.PacketSize:]))
	flags := r[mpegts.PacketSize+4]
	md.Nullified = flags&flagNullified != 0
	md.InputStuffing = flags&flagInputStuffing != 0
	md.Flush = flags&flagFlush != 0
}

// Buffer is the opened delay line. It is single-owner: one goroutine calls
// Shift, and nobody else touches the backing file.
type Buffer struct {
	log *slog.Logger
	cfg Config

	opened bool
	full   bool
	count  int

	// Memory-only mode: a ring of capacity records. When full, the read
	// and write cursors coincide.
	ring    []record
	ringPos int

	// Hybrid mode.
	file      *os.File
	fileCap   int // file size in records, equal to capacity
	fileRead  int // next record to read, wraps at fileCap
	fileWrite int // next record to write, wraps at fileCap
	fileCount int
	wcache    []record // pending writes, flushed when full
	rcache    []record // prefetched reads, consumed front to back
	rcachePos int
}

// Open validates the configuration and allocates the buffer. In hybrid mode
// the backing file is created immediately so a full disk shows up at open
// time, not mid-stream.
func Open(cfg Config, log *slog.Logger) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Buffer{
		log: log.With("component", "timeshift"),
		cfg: cfg,
	}

	if cfg.Capacity <= cfg.MemoryPackets {
		b.ring = make([]record, cfg.Capacity)
		b.opened = true
		return b, nil
	}

	dir := cfg.Directory
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "tsflow-timeshift-*.buf")
	if err != nil {
		return nil, fmt.Errorf("timeshift: create backing file: %w", err)
	}
	half := cfg.MemoryPackets / 2
	b.file = f
	// Slack beyond capacity: a staged write cache can briefly put more
	// than capacity records in the file before the read cursor catches
	// up, and the write window must never reach the unread region.
	b.fileCap = cfg.Capacity + half
	b.wcache = make([]record, 0, half)
	b.rcache = make([]record, 0, half)
	b.opened = true
	b.log.Debug("backing file created", "path", f.Name(), "capacity", cfg.Capacity)
	return b, nil
}

// Capacity returns the configured total depth in packets.
func (b *Buffer) Capacity() int { return b.cfg.Capacity }

// Count returns the number of packets currently buffered.
func (b *Buffer) Count() int { return b.count }

// Full reports whether the buffer reached its capacity, after which every
// Shift evicts the oldest packet.
func (b *Buffer) Full() bool { return b.full }

// Shift pushes the given packet into the buffer. While the buffer is
// filling, the packet is replaced by a null packet marked as input stuffing.
// Once full, it is replaced by the oldest buffered packet and metadata.
// An I/O failure on the backing file is fatal for the call; the buffer
// stays open.
func (b *Buffer) Shift(pkt *mpegts.Packet, md *mpegts.PacketMetadata) error {
	if !b.opened {
		return errors.New("timeshift: buffer is closed")
	}
	if b.ring != nil {
		b.shiftMemory(pkt, md)
		return nil
	}
	return b.shiftHybrid(pkt, md)
}

func (b *Buffer) shiftMemory(pkt *mpegts.Packet, md *mpegts.PacketMetadata) {
	if b.full {
		var out record
		out = b.ring[b.ringPos]
		encodeRecord(&b.ring[b.ringPos], pkt, md)
		b.ringPos = (b.ringPos + 1) % len(b.ring)
		decodeRecord(&out, pkt, md)
		return
	}
	encodeRecord(&b.ring[b.ringPos], pkt, md)
	b.ringPos = (b.ringPos + 1) % len(b.ring)
	b.count++
	b.full = b.count == b.cfg.Capacity
	returnStuffing(pkt, md)
}

func (b *Buffer) shiftHybrid(pkt *mpegts.Packet, md *mpegts.PacketMetadata) error {
	// Write side: stage the incoming record, flush a full write cache.
	var in record
	encodeRecord(&in, pkt, md)
	b.wcache = append(b.wcache, in)
	if len(b.wcache) == cap(b.wcache) {
		if err := b.flushWrites(); err != nil {
			return err
		}
	}

	if !b.full {
		b.count++
		b.full = b.count == b.cfg.Capacity
		returnStuffing(pkt, md)
		return nil
	}

	// Read side: refill the read cache from the file when it runs out.
	// The total depth exceeds the memory quota, so once full there is
	// always file content ahead of the read cursor.
	if b.rcachePos == len(b.rcache) {
		if err := b.refillReads(); err != nil {
			return err
		}
	}
	out := &b.rcache[b.rcachePos]
	b.rcachePos++
	decodeRecord(out, pkt, md)
	return nil
}

// flushWrites appends the write cache to the circular file region, in one
// write, or two when the region wraps past end of file.
func (b *Buffer) flushWrites() error {
	n := len(b.wcache)
	if n == 0 {
		return nil
	}
	buf := make([]byte, 0, n*recordSize)
	for i := range b.wcache {
		buf = append(buf, b.wcache[i][:]...)
	}
	first := n
	if b.fileWrite+n > b.fileCap {
		first = b.fileCap - b.fileWrite
	}
	if err := b.writeAtRecords(buf[:first*recordSize], b.fileWrite); err != nil {
		return err
	}
	if first < n {
		if err := b.writeAtRecords(buf[first*recordSize:], 0); err != nil {
			return err
		}
	}
	b.fileWrite = (b.fileWrite + n) % b.fileCap
	b.fileCount += n
	b.wcache = b.wcache[:0]
	return nil
}

// refillReads loads the next run of records from the file into the read
// cache, in one read, or two when the region wraps past end of file.
func (b *Buffer) refillReads() error {
	n := cap(b.rcache)
	if n > b.fileCount {
		n = b.fileCount
	}
	if n == 0 {
		// Should be unreachable while full; force the pending writes
		// through and retry once.
		if err := b.flushWrites(); err != nil {
			return err
		}
		n = cap(b.rcache)
		if n > b.fileCount {
			n = b.fileCount
		}
		if n == 0 {
			return errors.New("timeshift: no buffered data in backing file")
		}
	}
	buf := make([]byte, n*recordSize)
	first := n
	if b.fileRead+n > b.fileCap {
		first = b.fileCap - b.fileRead
	}
	if err := b.readAtRecords(buf[:first*recordSize], b.fileRead); err != nil {
		return err
	}
	if first < n {
		if err := b.readAtRecords(buf[first*recordSize:], 0); err != nil {
			return err
		}
	}
	b.rcache = b.rcache[:n]
	for i := 0; i < n; i++ {
		copy(b.rcache[i][:], buf[i*recordSize:])
	}
	b.rcachePos = 0
	b.fileRead = (b.fileRead + n) % b.fileCap
	b.fileCount -= n
	return nil
}

func (b *Buffer) writeAtRecords(buf []byte, recPos int) error {
	if _, err := b.file.WriteAt(buf, int64(recPos)*recordSize); err != nil {
		return fmt.Errorf("timeshift: write backing file: %w", err)
	}
	return nil
}

func (b *Buffer) readAtRecords(buf []byte, recPos int) error {
	if _, err := b.file.ReadAt(buf, int64(recPos)*recordSize); err != nil {
		return fmt.Errorf("timeshift: read backing file: %w", err)
	}
	return nil
}

// returnStuffing hands a generated null packet back to the caller while the
// buffer is still filling.
func returnStuffing(pkt *mpegts.Packet, md *mpegts.PacketMetadata) {
	*pkt = mpegts.NullPacket
	if md != nil {
		md.Reset()
		md.InputStuffing = true
	}
}

// Close releases all memory and deletes the backing file. It is idempotent
// and always removes the file, even with packets still buffered.
func (b *Buffer) Close() error {
	if !b.opened {
		return nil
	}
	b.opened = false
	b.ring = nil
	b.wcache = nil
	b.rcache = nil
	b.count = 0
	b.full = false

	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	cerr := b.file.Close()
	rerr := os.Remove(name)
	b.file = nil
	if cerr != nil {
		return fmt.Errorf("timeshift: close backing file: %w", cerr)
	}
	if rerr != nil {
		return fmt.Errorf("timeshift: remove backing file: %w", rerr)
	}
	return nil
}

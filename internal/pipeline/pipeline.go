// Package pipeline orchestrates the packet flow for a single transport
// stream: a source producing 188-byte packets, a chain of per-packet
// processors (encapsulation, regulation, delay lines), and a sink. The
// chain runs synchronously on one goroutine; processors mutate packets in
// place and communicate with the host through the packet metadata.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/tsflow/internal/mpegts"
)

// Processor transforms one packet in place. Returning an error marks the
// call failed; whether that aborts the pipeline or degrades to passthrough
// is the pipeline's policy, not the processor's.
type Processor interface {
	ProcessPacket(pkt *mpegts.Packet, md *mpegts.PacketMetadata) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(pkt *mpegts.Packet, md *mpegts.PacketMetadata) error

// ProcessPacket calls f.
func (f ProcessorFunc) ProcessPacket(pkt *mpegts.Packet, md *mpegts.PacketMetadata) error {
	return f(pkt, md)
}

// Source produces the next packet of the stream. It returns io.EOF at the
// end of the stream.
type Source interface {
	ReadPacket(pkt *mpegts.Packet, md *mpegts.PacketMetadata) error
}

// Sink consumes processed packets. Flush pushes anything the sink has
// buffered downstream.
type Sink interface {
	WritePacket(pkt *mpegts.Packet, md *mpegts.PacketMetadata) error
	Flush() error
}

// Stats are the forwarding counters of a pipeline, safe to read while the
// pipeline runs.
type Stats struct {
	Packets       int64 `json:"packets"`
	Errors        int64 `json:"errors"`
	ErrorsIgnored int64 `json:"errorsIgnored"`
	Flushes       int64 `json:"flushes"`
}

// Pipeline drives packets from a source through the processor chain into a
// sink. A processor error aborts the run by default; with IgnoreErrors the
// failing packet passes through unprocessed and the run continues degraded.
type Pipeline struct {
	log          *slog.Logger
	source       Source
	sink         Sink
	procs        []Processor
	ignoreErrors bool

	packets       atomic.Int64
	procErrors    atomic.Int64
	errorsIgnored atomic.Int64
	flushes       atomic.Int64
}

// New creates a pipeline from source to sink with an empty processor
// chain. If log is nil, slog.Default() is used.
func New(source Source, sink Sink, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:    log.With("component", "pipeline"),
		source: source,
		sink:   sink,
	}
}

// Append adds a processor at the end of the chain.
func (p *Pipeline) Append(proc Processor) { p.procs = append(p.procs, proc) }

// SetIgnoreErrors selects the degraded mode: processor errors are logged
// and the packet passes through unmodified instead of aborting the run.
func (p *Pipeline) SetIgnoreErrors(on bool) { p.ignoreErrors = on }

// Stats returns a snapshot of the forwarding counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Packets:       p.packets.Load(),
		Errors:        p.procErrors.Load(),
		ErrorsIgnored: p.errorsIgnored.Load(),
		Flushes:       p.flushes.Load(),
	}
}

// Run processes packets until the source ends, the context is cancelled,
// or a processor fails in abort mode. The sink is flushed before a clean
// return.
func (p *Pipeline) Run(ctx context.Context) error {
	var pkt mpegts.Packet
	var md mpegts.PacketMetadata

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		md.Reset()
		err := p.source.ReadPacket(&pkt, &md)
		if errors.Is(err, io.EOF) {
			p.log.Info("source ended", "packets", p.packets.Load())
			return p.flushSink()
		}
		if err != nil {
			return fmt.Errorf("read packet: %w", err)
		}
		p.packets.Add(1)

		for _, proc := range p.procs {
			if perr := proc.ProcessPacket(&pkt, &md); perr != nil {
				p.procErrors.Add(1)
				if !p.ignoreErrors {
					p.flushSink()
					return fmt.Errorf("packet %d: %w", p.packets.Load(), perr)
				}
				p.errorsIgnored.Add(1)
				p.log.Warn("processor error ignored", "error", perr)
				break
			}
		}

		if err := p.sink.WritePacket(&pkt, &md); err != nil {
			return fmt.Errorf("write packet: %w", err)
		}
		if md.Flush {
			if err := p.flushSink(); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) flushSink() error {
	p.flushes.Add(1)
	if err := p.sink.Flush(); err != nil {
		return fmt.Errorf("flush sink: %w", err)
	}
	return nil
}

// ReaderSource reads raw 188-byte packets from a byte stream, resyncing on
// the sync byte after corruption.
type ReaderSource struct {
	log *slog.Logger
	r   *bufio.Reader
}

// NewReaderSource wraps a byte stream as a packet source. If log is nil,
// slog.Default() is used.
func NewReaderSource(r io.Reader, log *slog.Logger) *ReaderSource {
	if log == nil {
		log = slog.Default()
	}
	return &ReaderSource{
		log: log.With("component", "source"),
		r:   bufio.NewReaderSize(r, 64*mpegts.PacketSize),
	}
}

// ReadPacket fills pkt with the next packet. Bytes before a sync byte are
// skipped and reported once per gap.
func (s *ReaderSource) ReadPacket(pkt *mpegts.Packet, _ *mpegts.PacketMetadata) error {
	skipped := 0
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		if b == mpegts.SyncByte {
			break
		}
		skipped++
	}
	if skipped > 0 {
		s.log.Warn("skipped bytes resyncing to packet boundary", "bytes", skipped)
	}
	pkt.B[0] = mpegts.SyncByte
	if _, err := io.ReadFull(s.r, pkt.B[1:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return io.EOF
		}
		return err
	}
	return nil
}

// WriterSink writes raw packets to a byte stream. Flush is a no-op unless
// the stream implements a Flush method of its own.
type WriterSink struct {
	w io.Writer
}

// NewWriterSink wraps a byte stream as a packet sink.
func NewWriterSink(w io.Writer) *WriterSink { return &WriterSink{w: w} }

// WritePacket writes the raw packet bytes.
func (s *WriterSink) WritePacket(pkt *mpegts.Packet, _ *mpegts.PacketMetadata) error {
	_, err := s.w.Write(pkt.B[:])
	return err
}

// Flush forwards to the underlying stream when it supports flushing.
func (s *WriterSink) Flush() error {
	if f, ok := s.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Command tsflow reads an MPEG transport stream, optionally encapsulates
// selected PIDs into an outer PID, paces it in real time, and writes it to
// a file, UDP, or QUIC datagram destination.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsflow/internal/encap"
	"github.com/zsiec/tsflow/internal/ingest"
	srtingest "github.com/zsiec/tsflow/internal/ingest/srt"
	"github.com/zsiec/tsflow/internal/mpegts"
	"github.com/zsiec/tsflow/internal/output"
	"github.com/zsiec/tsflow/internal/pipeline"
	"github.com/zsiec/tsflow/internal/regulate"
	"github.com/zsiec/tsflow/internal/timeshift"
)

var version = "dev"

type options struct {
	input  string
	output string

	outputPID int
	inputPIDs string
	labels    string
	pcrPID    int
	pcrLabel  int
	packLimit int
	pack      bool
	pesMode   string
	pesOffset int64
	maxBuffer int
	startDrop bool

	bitrate     uint64
	pcrRegulate bool
	burst       uint64

	delay       int
	delayMemory int

	ignoreErrors bool
	dropNull     bool
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	var opts options
	flag.StringVar(&opts.input, "input", envOr("TSFLOW_INPUT", "-"),
		"input: file path, - for stdin, srt://host:port/key to pull, srt-listen://:port to accept")
	flag.StringVar(&opts.output, "output", envOr("TSFLOW_OUTPUT", "-"),
		"output: file path, - for stdout, udp://host:port, quic://host:port")
	flag.IntVar(&opts.outputPID, "output-pid", -1, "outer PID for encapsulation, -1 disables")
	flag.StringVar(&opts.inputPIDs, "pids", "", "comma-separated input PIDs to encapsulate (decimal or 0x hex)")
	flag.StringVar(&opts.labels, "labels", "", "comma-separated metadata labels selecting input packets")
	flag.IntVar(&opts.pcrPID, "pcr-pid", -1, "PCR reference PID for the encapsulator, -1 for none")
	flag.IntVar(&opts.pcrLabel, "pcr-label", -1, "PCR reference label for the encapsulator, -1 for none")
	flag.BoolVar(&opts.pack, "pack", false, "withhold outer packets until full")
	flag.IntVar(&opts.packLimit, "pack-limit", 0, "force outer emission after this many input packets (0 = never)")
	flag.StringVar(&opts.pesMode, "pes", "", "PES envelope mode: empty, fixed or variable")
	flag.Int64Var(&opts.pesOffset, "pes-offset", 0, "synchronous PES PTS offset in 90 kHz units (non-zero enables sync mode)")
	flag.IntVar(&opts.maxBuffer, "max-buffered", encap.DefaultMaxBufferedPackets, "encapsulation queue bound in packets")
	flag.BoolVar(&opts.startDrop, "start-drop", false, "drop instead of buffer input until the first PCR in sync PES mode")
	flag.Uint64Var(&opts.bitrate, "bitrate", 0, "regulate output to this bitrate in bits/second (0 = use measured PCR bitrate)")
	flag.BoolVar(&opts.pcrRegulate, "pcr-regulate", false, "regulate output against PCR timestamps instead of a bitrate")
	flag.Uint64Var(&opts.burst, "burst", 0, "packets per regulation burst (0 = default)")
	flag.IntVar(&opts.delay, "delay", 0, "time-shift the stream by this many packets")
	flag.IntVar(&opts.delayMemory, "delay-memory", 1024, "time-shift memory quota in packets before spilling to disk")
	flag.BoolVar(&opts.ignoreErrors, "ignore-errors", false, "pass packets through unprocessed on errors instead of aborting")
	flag.BoolVar(&opts.dropNull, "drop-null", false, "do not send null packets on datagram outputs")
	flag.Parse()

	if err := run(&opts); err != nil {
		slog.Error("tsflow failed", "error", err)
		os.Exit(1)
	}
}

func run(opts *options) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("tsflow starting", "version", version, "input", opts.input, "output", opts.output)

	sink, closeSink, err := buildSink(ctx, opts)
	if err != nil {
		return err
	}
	defer closeSink()

	a := &app{opts: opts, sink: sink}

	g, ctx := errgroup.WithContext(ctx)

	switch {
	case strings.HasPrefix(opts.input, "srt-listen://"):
		addr := strings.TrimPrefix(opts.input, "srt-listen://")
		a.registry = ingest.NewRegistry(func(stream *ingest.Stream) {
			a.runStream(ctx, stream)
		})
		srv := srtingest.NewServer(addr, a.registry, nil)
		g.Go(func() error { return srv.Start(ctx) })

	case strings.HasPrefix(opts.input, "srt://"):
		addr, key := splitSRTTarget(strings.TrimPrefix(opts.input, "srt://"))
		done := make(chan struct{})
		a.registry = ingest.NewRegistry(func(stream *ingest.Stream) {
			a.runStream(ctx, stream)
			close(done)
		})
		caller := srtingest.NewCaller(a.registry, nil)
		if err := caller.Pull(ctx, srtingest.PullRequest{Address: addr, StreamKey: key}); err != nil {
			return err
		}
		g.Go(func() error {
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})

	default:
		in, closeIn, err := openInput(opts.input)
		if err != nil {
			return err
		}
		g.Go(func() error {
			defer closeIn()
			return a.runReader(ctx, in)
		})
	}

	return g.Wait()
}

type app struct {
	opts     *options
	sink     pipeline.Sink
	registry *ingest.Registry

	// Serializes concurrent SRT streams into the single output.
	mu sync.Mutex
}

func (a *app) runStream(ctx context.Context, stream *ingest.Stream) {
	slog.Info("stream connected", "key", stream.Key)
	if err := a.runReader(ctx, stream.Reader()); err != nil && ctx.Err() == nil {
		slog.Error("stream failed", "key", stream.Key, "error", err)
	}
	slog.Info("stream ended", "key", stream.Key)
}

func (a *app) runReader(ctx context.Context, in io.Reader) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := pipeline.New(pipeline.NewReaderSource(in, nil), a.sink, nil)
	p.SetIgnoreErrors(a.opts.ignoreErrors)
	cleanup, err := appendChain(p, a.opts)
	if err != nil {
		return err
	}
	defer cleanup()
	return p.Run(ctx)
}

// appendChain builds the processor chain from the options: time shift,
// encapsulation, then regulation. The returned cleanup releases chain
// resources after the run.
func appendChain(p *pipeline.Pipeline, opts *options) (func() error, error) {
	cleanup := func() error { return nil }
	if opts.delay > 0 {
		buf, err := timeshift.Open(timeshift.Config{
			Capacity:      opts.delay,
			MemoryPackets: opts.delayMemory,
		}, nil)
		if err != nil {
			return nil, err
		}
		cleanup = buf.Close
		p.Append(pipeline.ProcessorFunc(func(pkt *mpegts.Packet, md *mpegts.PacketMetadata) error {
			return buf.Shift(pkt, md)
		}))
	}

	var enc *encap.Encapsulator
	if opts.outputPID >= 0 {
		var err error
		enc, err = buildEncapsulator(opts)
		if err != nil {
			return nil, err
		}
		p.Append(enc)
	}

	switch {
	case opts.pcrRegulate:
		reg := regulate.NewPCRRegulator(nil, nil)
		if opts.burst > 0 {
			reg.SetBurstPackets(uint32(opts.burst))
		}
		p.Append(pipeline.ProcessorFunc(func(pkt *mpegts.Packet, md *mpegts.PacketMetadata) error {
			if reg.Regulate(pkt) {
				md.Flush = true
			}
			return nil
		}))
	case opts.bitrate > 0 || enc != nil:
		reg := regulate.NewBitRateRegulator(nil, opts.burst, nil)
		p.Append(pipeline.ProcessorFunc(func(_ *mpegts.Packet, md *mpegts.PacketMetadata) error {
			bitrate := opts.bitrate
			if bitrate == 0 {
				bitrate = enc.Bitrate()
			}
			if reg.Regulate(bitrate) {
				md.Flush = true
			}
			return nil
		}))
	}
	return cleanup, nil
}

func buildEncapsulator(opts *options) (*encap.Encapsulator, error) {
	pids, err := parsePIDList(opts.inputPIDs)
	if err != nil {
		return nil, err
	}
	if opts.outputPID >= mpegts.PIDMax {
		return nil, fmt.Errorf("output PID 0x%X out of range", opts.outputPID)
	}
	pcrRef := uint16(mpegts.PIDNull)
	if opts.pcrPID >= 0 {
		if opts.pcrPID >= mpegts.PIDMax {
			return nil, fmt.Errorf("PCR PID 0x%X out of range", opts.pcrPID)
		}
		pcrRef = uint16(opts.pcrPID)
	}
	enc := encap.New(uint16(opts.outputPID), pids, pcrRef, nil)
	if opts.pcrLabel >= 0 {
		enc.SetReferencePCRLabel(opts.pcrLabel)
	}
	if opts.labels != "" {
		labels, err := parseLabelList(opts.labels)
		if err != nil {
			return nil, err
		}
		enc.SetInputLabels(labels)
	}
	enc.SetPacking(opts.pack || opts.packLimit > 0, opts.packLimit)
	enc.SetMaxBufferedPackets(opts.maxBuffer)
	switch opts.pesMode {
	case "":
	case "fixed":
		enc.SetPES(encap.PESFixed)
	case "variable":
		enc.SetPES(encap.PESVariable)
	default:
		return nil, fmt.Errorf("unknown PES mode %q", opts.pesMode)
	}
	enc.SetPESOffset(opts.pesOffset)
	if opts.startDrop {
		enc.SetStartupPolicy(encap.StartupDrop)
	}
	return enc, nil
}

func openInput(spec string) (io.Reader, func() error, error) {
	if spec == "-" {
		return os.Stdin, func() error { return nil }, nil
	}
	f, err := os.Open(spec)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, f.Close, nil
}

func buildSink(ctx context.Context, opts *options) (pipeline.Sink, func() error, error) {
	switch {
	case strings.HasPrefix(opts.output, "udp://"):
		sender, err := output.DialUDP(strings.TrimPrefix(opts.output, "udp://"))
		if err != nil {
			return nil, nil, err
		}
		sink := output.NewDatagramSink(sender, nil)
		sink.SetDropNull(opts.dropNull)
		return sink, sink.Close, nil

	case strings.HasPrefix(opts.output, "quic://"):
		sender, err := output.DialQUIC(ctx, strings.TrimPrefix(opts.output, "quic://"), nil, nil)
		if err != nil {
			return nil, nil, err
		}
		sink := output.NewDatagramSink(sender, nil)
		sink.SetDropNull(opts.dropNull)
		return sink, sink.Close, nil

	case opts.output == "-":
		return pipeline.NewWriterSink(os.Stdout), func() error { return nil }, nil

	default:
		f, err := os.Create(opts.output)
		if err != nil {
			return nil, nil, fmt.Errorf("create output: %w", err)
		}
		return pipeline.NewWriterSink(f), f.Close, nil
	}
}

// splitSRTTarget separates "host:port/key" into address and stream key.
func splitSRTTarget(target string) (addr, key string) {
	if i := strings.IndexByte(target, '/'); i >= 0 {
		return target[:i], target[i+1:]
	}
	return target, "default"
}

func parsePIDList(list string) ([]uint16, error) {
	if list == "" {
		return nil, nil
	}
	var pids []uint16
	for _, s := range strings.Split(list, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
		if err != nil || v >= mpegts.PIDMax {
			return nil, fmt.Errorf("invalid PID %q", s)
		}
		pids = append(pids, uint16(v))
	}
	return pids, nil
}

func parseLabelList(list string) (mpegts.LabelSet, error) {
	var labels mpegts.LabelSet
	for _, s := range strings.Split(list, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || v < 0 || v >= mpegts.LabelCount {
			return 0, fmt.Errorf("invalid label %q", s)
		}
		labels = labels.Set(v)
	}
	return labels, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

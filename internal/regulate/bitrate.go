package regulate

import (
	"log/slog"
	"time"

	"github.com/zsiec/tsflow/internal/mpegts"
)

// DefaultTimerPrecision is the timer granularity requested from the clock
// when computing the minimum burst duration.
const DefaultTimerPrecision = 2 * time.Millisecond

// period is one measurement window of the bit-credit accounting.
type period struct {
	start time.Time
	bits  int64
}

// BitRateRegulator paces a packet stream to a target bitrate. Packets pass
// in bursts; between bursts the regulator sleeps until the next absolute
// burst deadline. Two overlapping measurement periods bound the emitted
// bits against the wall clock, so the output rate never exceeds the target
// by more than one burst's worth.
type BitRateRegulator struct {
	log   *slog.Logger
	clock Clock

	optBurstPackets uint64 // configured packets per burst, 0 means 1

	bitrate        uint64 // current regulated bitrate, 0 when unregulated
	burstPackets   uint64
	burstDuration  time.Duration
	burstMin       time.Duration
	periodDuration time.Duration
	burstDeadline  time.Time

	prev, cur period

	started   bool
	regulated bool
}

// NewBitRateRegulator creates a regulator sending burstPackets packets per
// burst (0 or 1 for single-packet bursts, automatically enlarged to meet
// the timer granularity). If clock is nil, the system clock is used; if log
// is nil, slog.Default() is used.
func NewBitRateRegulator(clock Clock, burstPackets uint64, log *slog.Logger) *BitRateRegulator {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &BitRateRegulator{
		log:             log.With("component", "bitrate-regulator"),
		clock:           clock,
		optBurstPackets: burstPackets,
	}
}

// Start initializes the regulation session. The stream starts unregulated
// until the first non-zero bitrate is passed to Regulate.
func (r *BitRateRegulator) Start() {
	r.burstMin = r.clock.Precision(DefaultTimerPrecision)
	r.bitrate = 0
	r.started = true
	r.regulated = false
}

// Regulate paces one 188-byte packet at the given stream bitrate in
// bits/second (zero when unknown). It may block until the next burst
// deadline. Flush is true when the caller should push buffered packets
// downstream now: after any sleep or any bitrate change.
func (r *BitRateRegulator) Regulate(bitrate uint64) (flush bool) {
	if !r.started {
		r.Start()
	}

	// Unknown bitrate: pass unthrottled.
	if bitrate == 0 {
		if r.regulated {
			r.log.Debug("bitrate now unknown, regulation suspended")
			r.regulated = false
			r.bitrate = 0
			return true
		}
		return false
	}

	changed := !r.regulated || bitrate != r.bitrate
	if changed {
		r.computeBurst(bitrate)
	}

	now := r.clock.Now()
	slept := false

	// Bit-credit check across both periods: the bits issued since the
	// older period started must stay within the target rate.
	pktBits := int64(mpegts.PacketSizeBits)
	for {
		// Millisecond credit granularity keeps the product within range
		// for any realistic bitrate and window.
		allowed := now.Sub(r.prev.start).Milliseconds() * int64(r.bitrate) / 1000
		if r.prev.bits+r.cur.bits+pktBits <= allowed {
			break
		}
		r.clock.SleepUntil(r.burstDeadline)
		slept = true
		now = r.clock.Now()
		r.burstDeadline = r.burstDeadline.Add(r.burstDuration)
		if r.burstDeadline.Before(now) {
			r.burstDeadline = now.Add(r.burstDuration)
		}
	}
	r.cur.bits += pktBits

	// Rotate the periods once the current one spans the full window. The
	// retiring older period takes its spent bits and elapsed time away
	// together, so unused credit carries into the remaining window.
	if now.Sub(r.cur.start) >= r.periodDuration {
		r.prev = r.cur
		r.cur = period{start: now}
	}

	return slept || changed
}

// computeBurst recomputes burst size and measurement window for a new
// bitrate and restarts the measurement periods.
func (r *BitRateRegulator) computeBurst(bitrate uint64) {
	packets := r.optBurstPackets
	if packets == 0 {
		packets = 1
	}
	duration := packetDuration(packets, bitrate)

	// Enlarge the burst when one burst lasts less than the reliable timer
	// granularity, otherwise the sleeps would oversleep every time.
	if duration < r.burstMin {
		packets = uint64(r.burstMin) * bitrate / (uint64(time.Second) * mpegts.PacketSizeBits)
		if packets == 0 {
			packets = 1
		}
		duration = packetDuration(packets, bitrate)
	}

	window := 2 * duration
	if window < time.Second {
		window = time.Second
	}

	now := r.clock.Now()
	r.bitrate = bitrate
	r.burstPackets = packets
	r.burstDuration = duration
	r.periodDuration = window
	r.burstDeadline = now.Add(duration)
	r.prev = period{start: now}
	r.cur = period{start: now}
	r.regulated = true

	r.log.Debug("bitrate regulation adjusted",
		"bitrate", bitrate,
		"burst_packets", packets,
		"burst_duration", duration)
}

// packetDuration returns the wall-clock time covered by the given number
// of 188-byte packets at a bitrate.
func packetDuration(packets, bitrate uint64) time.Duration {
	return time.Duration(packets * mpegts.PacketSizeBits * uint64(time.Second) / bitrate)
}

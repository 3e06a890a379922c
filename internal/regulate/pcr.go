package regulate

import (
	"log/slog"
	"time"

	"github.com/zsiec/tsflow/internal/mpegts"
)

// pcrJumpTolerance is the maximum credible distance, in 27 MHz units,
// between two consecutive PCRs: forward after unwrap, or backward as
// jitter. A larger jump means the input looped or was reset, not that
// time passed.
const pcrJumpTolerance uint64 = 2 * mpegts.SystemClockFreq

// PCRRegulator paces a packet stream by replaying the real-time spacing
// implied by the PCRs of one reference PID. The first PCR anchors a
// (PCR, wallclock) pair; every later PCR is unwrapped against the 42-bit
// clock period and converted to an absolute due instant relative to the
// anchor. Waits shorter than a minimum floor are skipped to avoid
// oversampling trivial sleeps.
type PCRRegulator struct {
	log   *slog.Logger
	clock Clock

	refPID  uint16 // PIDNull selects the first PID carrying PCRs
	userPID bool

	minWait      time.Duration // 0 means probe the timer precision
	burstPackets uint32        // force a flush every so many packets
	burstCount   uint32

	started     bool
	firstPCR    uint64
	firstWall   time.Time
	lastPCR     uint64 // raw value of the last reference PCR
	wrapOffset  uint64
	lastWaitDue time.Time
}

// DefaultBurstPackets is the flush period, in packets, of the burst
// accounting when none is configured.
const DefaultBurstPackets = 32

// NewPCRRegulator creates a regulator. If clock is nil, the system clock
// is used; if log is nil, slog.Default() is used. The reference PID is
// auto-selected from the stream unless SetReferencePID is called.
func NewPCRRegulator(clock Clock, log *slog.Logger) *PCRRegulator {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &PCRRegulator{
		log:          log.With("component", "pcr-regulator"),
		clock:        clock,
		refPID:       mpegts.PIDNull,
		burstPackets: DefaultBurstPackets,
	}
}

// SetReferencePID pins the PCR reference PID instead of auto-selecting the
// first PID with PCRs.
func (r *PCRRegulator) SetReferencePID(pid uint16) {
	r.refPID = pid
	r.userPID = pid != mpegts.PIDNull
	r.started = false
}

// SetMinWait overrides the minimum wait floor. Zero restores the default,
// probed from the clock precision on the next anchor.
func (r *PCRRegulator) SetMinWait(d time.Duration) { r.minWait = d }

// SetBurstPackets sets the packet count after which a flush is forced,
// independent of PCR waits. Zero restores the default.
func (r *PCRRegulator) SetBurstPackets(n uint32) {
	if n == 0 {
		n = DefaultBurstPackets
	}
	r.burstPackets = n
}

// Started reports whether a PCR anchor is established.
func (r *PCRRegulator) Started() bool { return r.started }

// Reset discards the PCR anchor and the auto-selected reference PID. The
// next reference PCR re-anchors the regulation.
func (r *PCRRegulator) Reset() {
	r.started = false
	if !r.userPID {
		r.refPID = mpegts.PIDNull
	}
	r.burstCount = 0
}

// Regulate paces one packet, blocking until its PCR-implied due time when
// the packet carries a reference PCR. Flush is true when the caller should
// push buffered packets downstream: after any wait and at every burst
// boundary.
func (r *PCRRegulator) Regulate(pkt *mpegts.Packet) (flush bool) {
	r.burstCount++
	if r.burstCount >= r.burstPackets {
		r.burstCount = 0
		flush = true
	}

	if !pkt.HasPCR() {
		return flush
	}
	pid := pkt.PID()
	if r.refPID == mpegts.PIDNull && !r.userPID {
		r.refPID = pid
		r.log.Debug("using PCR reference", "pid", pid)
	}
	if pid != r.refPID {
		return flush
	}
	pcr := pkt.PCR()

	if !r.started {
		r.anchor(pcr)
		return flush
	}

	// Unwrap the 42-bit PCR clock: a large raw decrease means the counter
	// wrapped (about every 26.5 hours). A small decrease is backward
	// jitter; the packet passes without waiting and the anchor stands.
	abs := pcr + r.wrapOffset
	if pcr < r.lastPCR {
		if r.lastPCR-pcr <= pcrJumpTolerance {
			return flush
		}
		abs += mpegts.PCRScale
	}
	lastAbs := r.lastPCR + r.wrapOffset

	if abs-lastAbs > pcrJumpTolerance {
		// The input looped or restarted. Drop the anchor and restart
		// from this PCR.
		r.log.Warn("out-of-sequence PCR, restarting regulation",
			"pid", pid, "pcr", pcr, "last_pcr", r.lastPCR)
		r.anchor(pcr)
		return flush
	}

	if pcr < r.lastPCR {
		r.wrapOffset += mpegts.PCRScale
	}
	r.lastPCR = pcr

	// Wall-clock instant this packet is due, relative to the anchor.
	due := r.firstWall.Add(pcrDuration(abs - r.firstPCR))
	if due.Sub(r.lastWaitDue) >= r.minWait {
		r.clock.SleepUntil(due)
		r.lastWaitDue = due
		flush = true
	}
	return flush
}

// anchor establishes the (PCR, wallclock) reference pair.
func (r *PCRRegulator) anchor(pcr uint64) {
	if r.minWait == 0 {
		r.minWait = r.clock.Precision(DefaultTimerPrecision)
	}
	r.firstPCR = pcr
	r.firstWall = r.clock.Now()
	r.lastPCR = pcr
	r.wrapOffset = 0
	r.lastWaitDue = r.firstWall
	r.started = true
}

// pcrDuration converts a 27 MHz PCR distance to a wall-clock duration.
// Whole seconds are split out first so the conversion cannot overflow over
// long runs.
func pcrDuration(pcr uint64) time.Duration {
	sec := pcr / mpegts.SystemClockFreq
	rem := pcr % mpegts.SystemClockFreq
	return time.Duration(sec)*time.Second +
		time.Duration(rem*uint64(time.Second)/mpegts.SystemClockFreq)
}

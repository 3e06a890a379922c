// Command tsgen writes a synthetic MPEG transport stream for exercising
// tsflow: a PCR reference PID, one or more data PIDs carrying counted
// payloads, and null packets padding the stream to a constant bitrate.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/zsiec/tsflow/internal/mpegts"
)

func main() {
	out := flag.String("out", "-", "output file, - for stdout")
	packets := flag.Int("packets", 10000, "total packets to generate")
	bitrate := flag.Uint64("bitrate", 5_000_000, "nominal bitrate encoded in the PCRs, bits/second")
	pcrPID := flag.Uint("pcr-pid", 0x0100, "PID carrying PCRs")
	pcrEvery := flag.Int("pcr-every", 40, "packets between PCRs")
	dataPIDs := flag.Int("data-pids", 2, "number of data PIDs starting at pcr-pid+1")
	nullRatio := flag.Int("null-ratio", 4, "one null packet every N packets")
	flag.Parse()

	w := bufio.NewWriter(os.Stdout)
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create %s: %v\n", *out, err)
			os.Exit(1)
		}
		defer f.Close()
		w = bufio.NewWriter(f)
	}
	defer w.Flush()

	ccs := make(map[uint16]uint8)
	var pcrCount int

	for n := 0; n < *packets; n++ {
		var pkt mpegts.Packet

		switch {
		case n%*pcrEvery == 0:
			pid := uint16(*pcrPID)
			pkt.Init(pid, ccs[pid], 0x00)
			ccs[pid] = (ccs[pid] + 1) & mpegts.CCMask
			// PCR advances at the nominal bitrate: elapsed packets scaled
			// to the 27 MHz system clock.
			pcr := uint64(n) * mpegts.PacketSizeBits * mpegts.SystemClockFreq / *bitrate
			pkt.SetPCR(pcr%mpegts.PCRScale, true)
			pcrCount++

		case *nullRatio > 0 && n%*nullRatio == 0:
			pkt = mpegts.NullPacket

		default:
			pid := uint16(*pcrPID) + 1 + uint16(n%*dataPIDs)
			pkt.Init(pid, ccs[pid], 0x00)
			ccs[pid] = (ccs[pid] + 1) & mpegts.CCMask
			pl := pkt.Payload()
			for i := range pl {
				pl[i] = byte(n + i)
			}
		}

		if _, err := w.Write(pkt.B[:]); err != nil {
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Fprintf(os.Stderr, "generated %d packets, %d PCRs\n", *packets, pcrCount)
}

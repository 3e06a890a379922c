// Command srt-push streams a transport-stream file to an SRT listener in
// a loop, paced to the file's nominal bitrate with the same regulator the
// main pipeline uses. Useful for feeding tsflow's srt-listen input.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/tsflow/internal/mpegts"
	"github.com/zsiec/tsflow/internal/output"
	"github.com/zsiec/tsflow/internal/regulate"
)

func main() {
	file := flag.String("file", "", "TS file to push")
	key := flag.String("key", "", "stream key (default: file name without extension)")
	addr := flag.String("addr", "127.0.0.1:6000", "SRT listener address")
	bitrate := flag.Uint64("bitrate", 5_000_000, "send bitrate in bits/second")
	loop := flag.Bool("loop", true, "restart from the beginning at end of file")
	flag.Parse()

	if *file == "" && flag.NArg() > 0 {
		*file = flag.Arg(0)
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: srt-push -file stream.ts [-key mykey] [-addr host:port]")
		os.Exit(1)
	}

	streamID := *key
	if streamID == "" {
		base := filepath.Base(*file)
		streamID = base[:len(base)-len(filepath.Ext(base))]
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read file: %v\n", err)
		os.Exit(1)
	}
	if len(data)%mpegts.PacketSize != 0 {
		fmt.Fprintf(os.Stderr, "warning: file size not a multiple of %d\n", mpegts.PacketSize)
	}

	for {
		fmt.Printf("[%s] connecting to SRT %s\n", streamID, *addr)

		cfg := srt.DefaultConfig()
		cfg.StreamID = "live/" + streamID

		conn, err := srt.Dial(*addr, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] SRT connect failed: %v, retrying\n", streamID, err)
			time.Sleep(time.Second)
			continue
		}

		fmt.Printf("[%s] connected, pushing at %d b/s\n", streamID, *bitrate)
		err = push(conn, data, *bitrate, *loop)
		conn.Close()

		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] connection lost: %v, reconnecting\n", streamID, err)
			time.Sleep(time.Second)
			continue
		}
		return
	}
}

// push sends the file in 7-packet datagram chunks, one regulator call per
// packet. Pacing survives loop boundaries because the regulator's bit
// credit keeps running across restarts.
func push(conn *srt.Conn, data []byte, bitrate uint64, loop bool) error {
	reg := regulate.NewBitRateRegulator(nil, output.PacketsPerDatagram, nil)
	reg.Start()

	for {
		for off := 0; off < len(data); off += output.DatagramSize {
			end := off + output.DatagramSize
			if end > len(data) {
				end = len(data)
			}
			for p := off; p < end; p += mpegts.PacketSize {
				reg.Regulate(bitrate)
			}
			if _, err := conn.Write(data[off:end]); err != nil {
				return err
			}
		}
		if !loop {
			return nil
		}
	}
}

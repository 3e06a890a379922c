// Command quic-sink accepts one tsflow QUIC datagram sender and writes the
// received transport stream to stdout or a file. It generates its own
// self-signed certificate and prints the fingerprint so the sender side
// can pin it if desired.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/zsiec/tsflow/internal/certs"
	"github.com/zsiec/tsflow/internal/output"
)

func main() {
	addr := flag.String("addr", ":7000", "listen address")
	out := flag.String("out", "-", "output file, - for stdout")
	flag.Parse()

	var w io.Writer = os.Stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create %s: %v\n", *out, err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate certificate: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "certificate fingerprint: %s\n", cert.FingerprintBase64())

	recv, err := output.ListenQUIC(*addr, cert.TLSCert)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	defer recv.Close()
	fmt.Fprintf(os.Stderr, "listening on %s\n", recv.Addr())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var datagrams, bytes int64
	for {
		payload, err := recv.Receive(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "receive: %v\n", err)
			}
			break
		}
		if _, err := w.Write(payload); err != nil {
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
			os.Exit(1)
		}
		datagrams++
		bytes += int64(len(payload))
	}

	fmt.Fprintf(os.Stderr, "received %d datagrams, %d bytes\n", datagrams, bytes)
}

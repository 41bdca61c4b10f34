// Command psu-sim runs the simulated bench supply on a TCP port. Point the
// relay transport (or the bridge's clients) at it to exercise the whole stack
// without hardware.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os/signal"
	"syscall"

	"github.com/banshee-data/power.bench/internal/sim"
)

var (
	listen   = flag.String("listen", ":5025", "TCP listen address")
	loadOhms = flag.Float64("load", sim.DefaultLoadOhms, "Simulated per-channel load in ohms")
)

func main() {
	flag.Parse()

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", *listen, err)
	}
	log.Printf("simulated supply listening on %s (load %.1f ohm)", *listen, *loadOhms)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supply := sim.NewSupply()
	supply.SetLoadOhms(*loadOhms)
	if err := supply.Serve(ctx, ln); err != nil {
		log.Fatalf("simulator failed: %v", err)
	}
	log.Print("simulator shut down")
}

// Command bridge exposes the supply's serial port over TCP. It forwards
// bytes transparently in both directions with no reframing, so clients speak
// the instrument's own line protocol straight through the relay.
//
// One client is served at a time; the serial port stays open across client
// reconnects.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/power.bench/internal/transport"
)

var (
	listen   = flag.String("listen", ":8333", "TCP listen address")
	device   = flag.String("device", "/dev/ttyUSB0", "Serial device path")
	baudRate = flag.Int("baud", 9600, "Serial baud rate")
)

func main() {
	flag.Parse()

	mode, err := transport.PortOptions{BaudRate: *baudRate}.SerialMode()
	if err != nil {
		log.Fatalf("invalid serial options: %v", err)
	}
	port, err := serial.Open(*device, mode)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *device, err)
	}
	defer port.Close()
	if err := port.SetReadTimeout(500 * time.Millisecond); err != nil {
		log.Fatalf("failed to set read timeout on %s: %v", *device, err)
	}

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", *listen, err)
	}
	defer ln.Close()
	log.Printf("bridging %s (%d baud) on %s", *device, *baudRate, *listen)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Print("bridge shut down")
				return
			}
			log.Fatalf("accept failed: %v", err)
		}
		log.Printf("client connected from %s", conn.RemoteAddr())
		serveClient(conn, port)
		log.Printf("client %s disconnected", conn.RemoteAddr())
	}
}

// serveClient pumps bytes both ways until the client goes away. It does not
// return until both directions have stopped: a serial reader left blocked
// past the session would consume the first reply meant for the next client.
// The serial port itself is never closed here.
func serveClient(conn net.Conn, port io.ReadWriter) {
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := io.Copy(port, conn); err != nil {
			log.Printf("client->serial copy ended: %v", err)
		}
	}()

	// The port read timeout set at startup makes this loop wake periodically
	// so it can observe the client's departure instead of blocking in Read
	// forever.
	buf := make([]byte, 4096)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, err := port.Read(buf)
		if err != nil {
			log.Printf("serial read ended: %v", err)
			conn.Close()
			<-done
			return
		}
		if n == 0 {
			continue
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			conn.Close()
			<-done
			return
		}
	}
}

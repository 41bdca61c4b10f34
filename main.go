package main

import (
	"context"
	"embed"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/power.bench/internal/api"
	"github.com/banshee-data/power.bench/internal/conn"
	"github.com/banshee-data/power.bench/internal/poll"
	"github.com/banshee-data/power.bench/internal/psu"
	"github.com/banshee-data/power.bench/internal/recorder"
	"github.com/banshee-data/power.bench/internal/stats"
	"github.com/banshee-data/power.bench/internal/transport"
	"github.com/banshee-data/power.bench/internal/version"
)

var (
	//go:embed static/*
	staticFiles embed.FS
	devMode     = flag.Bool("dev", false, "Run in dev mode: start with a simulated demo supply, serve ./static from disk")
	listen      = flag.String("listen", ":8080", "Listen address")
	dbFile      = flag.String("db", "power_bench.db", "SQLite database path")
	baudRate    = flag.Int("baud", 9600, "Serial baud rate")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Printf("power.bench %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	db, err := recorder.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	manager := conn.NewManager(transport.PortOptions{BaudRate: *baudRate})
	defer manager.Close()

	tracker := stats.NewTracker(stats.DefaultWindowSize)
	poller := poll.New(manager)
	server := api.NewServer(manager, poller, db, tracker)

	// Every reading fans out to the recorder, the rolling stats window, and
	// the API's latest-value cache.
	poller.AddReadingSink(func(r psu.Reading) {
		if err := db.RecordReading(r); err != nil {
			log.Printf("failed to record reading: %v", err)
		}
	})
	poller.AddReadingSink(tracker.AddReading)
	poller.AddReadingSink(server.OnReading)
	poller.AddStatusSink(server.OnStatus)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *devMode {
		if err := poller.StartDemo(); err != nil {
			log.Fatalf("failed to start demo poll loop: %v", err)
		}
		log.Print("dev mode: demo poll loop running")
	}

	// log transport events for operator visibility; the same stream feeds the
	// admin tail endpoint
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, c := manager.Subscribe()
		defer manager.Unsubscribe(id)
		for {
			select {
			case ev := <-c:
				log.Printf("transport %s: %s", ev.Kind, ev.Payload)
			case <-ctx.Done():
				log.Print("event log routine terminated")
				return
			}
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes
		if err := db.AttachAdminRoutes(mux); err != nil {
			log.Fatalf("failed to attach db admin routes: %v", err)
		}
		manager.AttachAdminRoutes(mux)

		apiMux := server.ServeMux()
		mux.Handle("/api/", apiMux)
		mux.Handle("/chart", apiMux)

		// read static files from the embedded filesystem in production or from
		// the local ./static in dev for easier iteration without restarting
		// the server
		var staticHandler http.Handler
		if *devMode {
			staticHandler = http.FileServer(http.Dir("./static"))
		} else {
			staticHandler = http.FileServer(http.FS(staticFiles))
		}
		mux.Handle("/", staticHandler)

		httpServer := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	poller.Stop()
	db.EndSession()
	log.Printf("Graceful shutdown complete")
}

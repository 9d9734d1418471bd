package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Config holds parameters for the simulator.
type Config struct {
	ServerURL    string
	Count        int
	ReplyLatency time.Duration
	DropRate     float64
	RejectRate   float64
	ChargeRateKW float64
	Interval     time.Duration
	Verbose      bool
}

// Validate checks flag consistency.
func (c *Config) Validate() error {
	if c.Count <= 0 {
		return fmt.Errorf("count must be positive")
	}
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("drop-rate must be within [0,1]")
	}
	if c.RejectRate < 0 || c.RejectRate > 1 {
		return fmt.Errorf("reject-rate must be within [0,1]")
	}
	return nil
}

func main() {
	cfg := parseFlags()
	if err := (&cfg).Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if !cfg.Verbose {
		log.SetOutput(io.Discard)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	strat := FlakyReply{Delay: cfg.ReplyLatency, DropRate: cfg.DropRate, RejectRate: cfg.RejectRate}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Count; i++ {
		st := NewStation(fmt.Sprintf("sim-cp-%d", i+1), cfg.ServerURL, strat, cfg.ChargeRateKW, cfg.Interval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := st.Run(ctx); err != nil {
					log.Printf("%s: %v", st.ID, err)
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(2 * time.Second):
					// reconnect
				}
			}
		}()
	}
	wg.Wait()
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.ServerURL, "server", "ws://localhost:8080/ocpp", "CSMS websocket endpoint")
	flag.IntVar(&cfg.Count, "count", 1, "number of stations")
	flag.DurationVar(&cfg.ReplyLatency, "reply-latency", 0, "delay before answering remote commands")
	flag.Float64Var(&cfg.DropRate, "drop-rate", 0, "probability of dropping a reply")
	flag.Float64Var(&cfg.RejectRate, "reject-rate", 0, "probability of rejecting a remote command")
	flag.Float64Var(&cfg.ChargeRateKW, "charge-rate", 7, "charging power kW")
	flag.DurationVar(&cfg.Interval, "interval", 30*time.Second, "heartbeat and meter interval")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "enable logging")
	flag.Parse()
	return cfg
}

package main

import (
	"context"
	"math/rand"
	"time"
)

var rng = rand.New(rand.NewSource(time.Now().UnixNano()))

// ReplyStrategy decides how a station answers a remote command.
type ReplyStrategy interface {
	// Reply returns the status to report. respond=false drops the reply
	// entirely, which the server surfaces as a timeout.
	Reply(ctx context.Context) (status string, respond bool)
}

// AutoReply accepts every command after an optional fixed delay.
type AutoReply struct {
	Delay time.Duration
}

// Reply implements ReplyStrategy.
func (a AutoReply) Reply(ctx context.Context) (string, bool) {
	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			return "", false
		}
	}
	return "Accepted", true
}

// FlakyReply drops replies with DropRate probability and rejects with
// RejectRate probability, after the configured delay.
type FlakyReply struct {
	Delay      time.Duration
	DropRate   float64
	RejectRate float64
}

// Reply implements ReplyStrategy.
func (f FlakyReply) Reply(ctx context.Context) (string, bool) {
	if f.DropRate > 0 && rng.Float64() < f.DropRate {
		return "", false
	}
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return "", false
		}
	}
	if f.RejectRate > 0 && rng.Float64() < f.RejectRate {
		return "Rejected", true
	}
	return "Accepted", true
}

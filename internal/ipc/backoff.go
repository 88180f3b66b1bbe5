package ipc

import (
	"math"
	"math/rand"
	"time"
)

// Reconnect defaults per the wire contract
const (
	DefaultReconnectBase = 5 * time.Second
	DefaultReconnectMax  = 30 * time.Second

	reconnectMultiplier = 1.5
	reconnectJitter     = 0.2
)

// ReconnectDelay computes min(base * 1.5^attempt, max) with ±20% jitter.
// Attempt counting starts at zero and resets on a successful open.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if max <= 0 {
		max = DefaultReconnectMax
	}

	delay := float64(base) * math.Pow(reconnectMultiplier, float64(attempt))
	if delay > float64(max) {
		delay = float64(max)
	}

	jitter := delay * reconnectJitter * (rand.Float64()*2 - 1)
	delay += jitter

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

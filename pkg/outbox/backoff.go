package outbox

import "time"

// backoffSeq is the bounded increasing retry schedule. The final value
// is the ceiling: attempts past the end of the sequence all wait 60s.
var backoffSeq = []time.Duration{
	0,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	40 * time.Second,
	60 * time.Second,
}

// Backoff returns the delay before the next delivery attempt as a pure
// function of how many attempts have already failed.
func Backoff(tries int) time.Duration {
	if tries < 0 {
		tries = 0
	}
	if tries >= len(backoffSeq) {
		tries = len(backoffSeq) - 1
	}
	return backoffSeq[tries]
}

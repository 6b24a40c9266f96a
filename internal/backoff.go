package internal

import "time"

// BackoffFlags selects the wait ceiling a Backoff uses. Ported from the
// teacher's internal/backoff.go; kept for Listener.Accept polling, which
// spec.md does not require to be condition-variable driven the way Conn
// Read/Write/connect are (see tcp/conn.go).
type BackoffFlags uint8

const (
	BackoffHasPriority BackoffFlags = 1 << iota
	BackoffCriticalPath
	BackoffAccept
)

const backoffMinWait = time.Microsecond

func backoffMaxWait(priority BackoffFlags) time.Duration {
	switch {
	case priority&BackoffCriticalPath != 0:
		return time.Millisecond
	case priority&BackoffAccept != 0:
		return 5 * time.Millisecond
	default:
		return time.Second >> (priority & BackoffHasPriority)
	}
}

// NewBackoff returns a ready-to-use Backoff for the given priority class.
func NewBackoff(priority BackoffFlags) Backoff {
	return Backoff{
		wait:      uint32(backoffMinWait),
		maxWait:   uint32(backoffMaxWait(priority)),
		startWait: uint32(backoffMinWait),
	}
}

// Backoff implements exponential backoff with a hit/miss API: Miss sleeps
// and doubles the wait, Hit resets it to the starting wait.
type Backoff struct {
	wait      uint32
	maxWait   uint32
	startWait uint32
}

// Hit resets the wait to its starting value.
func (eb *Backoff) Hit() {
	if eb.maxWait == 0 {
		panic("utcp: Backoff.MaxWait cannot be zero")
	}
	eb.wait = eb.startWait
}

// Miss sleeps for the current wait and doubles it, capped at maxWait.
func (eb *Backoff) Miss() {
	if eb.maxWait == 0 {
		panic("utcp: Backoff.MaxWait cannot be zero")
	}
	time.Sleep(time.Duration(eb.wait))
	eb.wait *= 2
	if eb.wait > eb.maxWait {
		eb.wait = eb.maxWait
	}
}

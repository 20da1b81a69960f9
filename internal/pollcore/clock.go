package pollcore

import "time"

// Clock abstracts wall-clock reads and sleeps so the reconciliation-marker
// retry-poll in the Completion Dispatcher (§5) can be driven by a fake
// clock in tests instead of sleeping for real seconds.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock is the production Clock.
var RealClock Clock = realClock{}

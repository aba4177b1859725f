package replica

import "github.com/jonboulle/clockwork"

// stopAndDrainTimer stops a timer and drains its channel so a stale fire is
// never observed after the timer is replaced.
func stopAndDrainTimer(timer clockwork.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

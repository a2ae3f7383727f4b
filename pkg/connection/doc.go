// Package connection keeps outbound links to configured peers alive.
//
// A Manager owns one dial loop per target address. When a dial fails or an
// established link drops, the loop waits out an exponential backoff and
// dials again until the target is removed or the manager is closed.
//
// # Backoff
//
// Delays start at Initial and grow by Multiplier up to Max:
//
//	1s, 2s, 4s, 8s, 16s, 32s, 60s, 60s, ...
//
// Each delay gets up to Jitter of extra random time so that nodes restarted
// together do not redial in lockstep:
//
//	actual_delay = base_delay + random(0, base_delay * jitter)
//
// A successful dial resets the backoff.
//
// # Link loss
//
// The manager learns about dropped links by sitting between the link and
// its handler; see Manager.Wrap.
package connection

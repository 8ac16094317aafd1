// Package app runs the relay's periodic maintenance: token refill and the
// stale connection sweep.
package app

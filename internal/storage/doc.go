// Package storage persists events, notification queue entries, delivery logs
// and rate-limit counters.
//
// All status changes are compare-and-swap updates so several workers can
// share one database without in-process locks.
package storage

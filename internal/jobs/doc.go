// Package jobs holds the housekeeping jobs jobkeeper registers for itself:
// execution history pruning and the periodic issue digest.
package jobs

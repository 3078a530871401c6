// Package dedupe tracks recently seen delivery ids so that a chat platform
// redelivering a callback does not start a second assistant run.
//
// Keys live for a fixed TTL and the cache is bounded; the oldest keys are
// evicted first once it is full.
package dedupe

// Package stream delivers generation frames to clients and lets them reconnect.
//
// A Broker is created once by the gateway. For each stream id the first
// OpenOrAttach starts a producer that drains the generator's frame channel to
// completion, numbering frames from 1 and appending them to a Log. Consumers
// replay everything after the sequence number they already have and then
// follow live frames; a slow or vanished consumer only delays itself.
//
// Logs:
//
//   - MemoryLog: process-local, the default
//   - BadgerLog: BadgerDB with per-key TTL, finished streams survive restarts
//
// With Config.Enabled false the broker is a pass-through: one consumer, no
// replay, and Attach returns ErrResumeDisabled. The source is still drained.
//
// A janitor retires finished streams after Retention and abandons unfinished
// streams that have had no consumer for IdleTimeout.
package stream

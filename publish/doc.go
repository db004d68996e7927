// Package publish forwards transfer progress events to a message bus.
//
// Events are published on the channel "<stream>.<machine id>". Line
// progress ("ack") events are rate limited per transfer; lifecycle events
// are always published. Publishing is best effort: a failing bus is logged
// and counted but never stalls a transfer.
package publish

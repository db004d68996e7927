// Package dnc supervises concurrent program transfers to CNC controllers.
//
// A Manager assigns every submitted transfer an opaque id, takes the
// cross-process lease on its serial port, runs it on its own goroutine and
// keeps a status record that is safe to read at any time. Progress is
// published per transfer and manager-wide through event hubs, so HTTP
// streams, sockets and bus publishers observe the same payloads without ever
// slowing the protocol down.
//
// Transfers run in-process by default. ProcessRunner instead starts the
// dnc-sender executable in its own process group; cancellation then
// terminates the whole group.
package dnc

// Package serialport opens and configures the RS-232 line to a controller and
// guards it with a cross-process lease.
//
// A Port is a thin synchronous handle: Read returns what is available within
// the read timeout (possibly nothing), Write blocks until the bytes have left
// the output queue or the write timeout expires. On Linux the line is driven
// directly through termios; elsewhere go.bug.st/serial is used.
//
// Exclusivity is enforced by Locker, which creates a lock file per port with
// O_CREAT|O_EXCL. Independently started sender processes that use the same
// lock directory therefore exclude each other as well as transfers managed in
// this process.
package serialport

// Command dnc-sender sends one program to a CNC controller over a serial
// port and exits 0 on success or 1 with the error on stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arloliu/go-dnc/dnc"
	"github.com/arloliu/go-dnc/serialport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	cmd := newRootCmd(deps{
		open:      dnc.OpenSerial,
		listPorts: serialport.ListPorts,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
	})

	err := cmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-dnc/dnc"
	"github.com/arloliu/go-dnc/logger"
	"github.com/arloliu/go-dnc/serialport"
	"github.com/arloliu/go-dnc/transfer"
)

// deps are the side effects of the command, replaced in tests.
type deps struct {
	open      dnc.OpenFunc
	listPorts func() ([]serialport.PortInfo, error)
	stdout    io.Writer
	stderr    io.Writer
}

type options struct {
	file      string
	mode      string
	baud      int
	bits      int
	parity    string
	stopBits  int
	xonxoff   bool
	rtscts    bool
	verbose   bool
	nuls      int
	noWait    bool
	retries   int
	dc1       bool
	autoDC1   bool
	delay     seconds
	ackTO     seconds
	handTO    seconds
	completTO seconds
	lockDir   string
	skipLock  bool
	progress  string
	listPorts bool
}

func newRootCmd(d deps) *cobra.Command {
	o := &options{
		ackTO:     seconds(transfer.DefaultAckTimeout),
		handTO:    seconds(transfer.DefaultHandshakeTimeout),
		completTO: seconds(transfer.DefaultCompleteTimeout),
	}

	cmd := &cobra.Command{
		Use:   "dnc-sender PORT --file PROGRAM",
		Short: "Send a program to a CNC controller",
		Long: "Sends a program over RS-232 using the controller's standard or drip (BCC block) protocol.\n" +
			"Durations accept seconds (1.5) or Go durations (1500ms).",
		Args: func(cmd *cobra.Command, args []string) error {
			if o.listPorts {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.listPorts {
				return printPorts(d)
			}
			if o.file == "" {
				return errors.New(`required flag "file" not set`)
			}

			return send(cmd, d, o, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.file, "file", "", "program file to send")
	f.StringVar(&o.mode, "mode", string(transfer.ModeStandard), "transfer protocol: standard or drip")
	f.IntVarP(&o.baud, "baud", "b", serialport.DefaultBaudRate, "baud rate")
	f.IntVar(&o.bits, "bits", serialport.DefaultDataBits, "data bits: 7 or 8")
	f.StringVar(&o.parity, "parity", serialport.DefaultParity.String(), "parity: N, E or O")
	f.IntVar(&o.stopBits, "stopbits", serialport.DefaultStopBits, "stop bits: 1 or 2")
	f.BoolVar(&o.xonxoff, "xonxoff", false, "enable XON/XOFF flow control")
	f.BoolVar(&o.rtscts, "rtscts", false, "enable RTS/CTS flow control")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
	f.IntVar(&o.nuls, "nuls", transfer.DefaultNulCount, "standard mode: NUL bytes before the first line")
	f.BoolVar(&o.noWait, "no-wait", false, "standard mode: do not wait for DC1 before sending")
	f.IntVar(&o.retries, "retries", transfer.DefaultRetryLimit, "drip mode: attempts per block")
	f.BoolVar(&o.dc1, "dc1-after-bcc", false, "drip mode: send DC1 after each block's BCC")
	f.BoolVar(&o.autoDC1, "auto-dc1-after-bcc", false, "drip mode: send DC1 after each block's BCC when the header ends with DC1")
	f.Var(&o.delay, "delay", "pause after each line or block")
	f.Var(&o.ackTO, "ack-timeout", "drip mode: wait for ACK/NAK per block")
	f.Var(&o.handTO, "handshake-timeout", "wait for the controller handshake")
	f.Var(&o.completTO, "complete-timeout", "wait for EOT after ETX")
	f.StringVar(&o.lockDir, "lock-dir", "", "directory of port lock files (default system temp dir)")
	f.BoolVar(&o.skipLock, "skip-lock", false, "do not take the port lock")
	f.StringVar(&o.progress, "progress", "", `progress output on stdout: "" or "json"`)
	f.BoolVar(&o.listPorts, "list-ports", false, "list serial ports as JSON and exit")
	cmd.MarkFlagsMutuallyExclusive("dc1-after-bcc", "auto-dc1-after-bcc")

	cmd.SetOut(d.stdout)
	cmd.SetErr(d.stderr)

	return cmd
}

func (o *options) request(port string) (dnc.Request, error) {
	mode, err := transfer.ParseMode(o.mode)
	if err != nil {
		return dnc.Request{}, err
	}

	dc1 := transfer.DC1Off
	switch {
	case o.autoDC1:
		dc1 = transfer.DC1Auto
	case o.dc1:
		dc1 = transfer.DC1On
	}

	nuls := o.nuls

	return dnc.Request{
		Port:             port,
		FileName:         o.file,
		Mode:             mode,
		BaudRate:         o.baud,
		DataBits:         o.bits,
		Parity:           o.parity,
		StopBits:         o.stopBits,
		RTSCTS:           o.rtscts,
		XONXOFF:          o.xonxoff,
		Retries:          o.retries,
		Delay:            time.Duration(o.delay),
		DC1AfterBCC:      dc1,
		NulCount:         &nuls,
		NoWait:           o.noWait,
		HandshakeTimeout: time.Duration(o.handTO),
		AckTimeout:       time.Duration(o.ackTO),
		CompleteTimeout:  time.Duration(o.completTO),
	}, nil
}

func send(cmd *cobra.Command, d deps, o *options, port string) error {
	if o.progress != "" && o.progress != "json" {
		return fmt.Errorf("unknown progress format %q", o.progress)
	}

	level := logger.InfoLevel
	if o.verbose {
		level = logger.DebugLevel
	}
	log := logger.NewSlogWriter(d.stderr, level, false)

	req, err := o.request(port)
	if err != nil {
		return err
	}
	serialCfg, err := req.SerialConfig()
	if err != nil {
		return err
	}
	engineCfg, err := req.EngineConfig(transfer.WithLogger(log))
	if err != nil {
		return err
	}

	program, err := transfer.ReadProgram(o.file)
	if err != nil {
		return err
	}

	if !o.skipLock {
		lease, err := serialport.NewLocker(o.lockDir).Acquire(port, "dnc-sender")
		if err != nil {
			return err
		}
		defer func() { _ = lease.Release() }()
	}

	line, err := d.open(serialCfg)
	if err != nil {
		return err
	}
	defer line.Close()

	var report transfer.Reporter
	if o.progress == "json" {
		report = dnc.ProgressWriter(d.stdout)
	}

	log.Info("dnc-sender: sending", "file", o.file, "line", serialCfg.String(),
		"mode", string(engineCfg.Mode()), "lines", program.Len())

	eng := transfer.NewEngine(line, program, engineCfg, report)
	if err := eng.Run(cmd.Context()); err != nil {
		return err
	}

	lines, bytes := eng.Progress()
	if o.progress == "" {
		fmt.Fprintf(d.stdout, "sent %d lines (%d bytes)\n", lines, bytes)
	}

	return nil
}

func printPorts(d deps) error {
	ports, err := d.listPorts()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(d.stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(ports)
}

// seconds is a duration flag accepting "1.5" as seconds or "1500ms".
type seconds time.Duration

func (s *seconds) String() string { return time.Duration(*s).String() }

func (s *seconds) Set(v string) error {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		if f < 0 {
			return errors.New("must not be negative")
		}
		*s = seconds(f * float64(time.Second))

		return nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid duration %q", v)
	}
	if d < 0 {
		return errors.New("must not be negative")
	}
	*s = seconds(d)

	return nil
}

func (s *seconds) Type() string { return "duration" }

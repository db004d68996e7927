package dnc

import (
	"context"
	"io"
	"time"

	"github.com/arloliu/go-dnc/logger"
	"github.com/arloliu/go-dnc/serialport"
	"github.com/arloliu/go-dnc/transfer"
)

// Runner executes one transfer. Run blocks until the transfer ended and
// returns nil on completion, an error wrapping transfer.ErrCanceled when ctx
// was canceled and any other error on failure. Progress is reported through
// job.
type Runner interface {
	Run(ctx context.Context, job *Job) error
}

// Control pauses and resumes a running transfer.
type Control interface {
	Pause() error
	Resume() error
}

// Job is one transfer handed to a Runner.
type Job struct {
	ID          string
	Request     Request
	ProgramPath string

	report  transfer.Reporter
	control func(Control)
}

// Report forwards an engine signal to the manager.
func (j *Job) Report(s transfer.Signal) {
	if j.report != nil {
		j.report(s)
	}
}

// SetControl registers the pause/resume handle of the running transfer.
func (j *Job) SetControl(c Control) {
	if j.control != nil {
		j.control(c)
	}
}

// OpenFunc opens the line for a transfer.
type OpenFunc func(cfg *serialport.Config) (io.ReadWriteCloser, error)

// OpenSerial opens a real serial port.
func OpenSerial(cfg *serialport.Config) (io.ReadWriteCloser, error) {
	return serialport.Open(cfg)
}

// InProcessRunner opens the port and runs the engine on the calling
// goroutine.
type InProcessRunner struct {
	// Open defaults to OpenSerial.
	Open    OpenFunc
	Metrics *transfer.TransferMetrics
	Logger  logger.Logger
	// PollInterval overrides the engine poll interval when positive.
	PollInterval time.Duration
}

// Run implements Runner.
func (r *InProcessRunner) Run(ctx context.Context, job *Job) error {
	program, err := transfer.ReadProgram(job.ProgramPath)
	if err != nil {
		return err
	}

	serialCfg, err := job.Request.SerialConfig()
	if err != nil {
		return err
	}

	log := r.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	log = log.With("transfer_id", job.ID, "port", serialCfg.Port())

	opts := []transfer.Option{transfer.WithLogger(log)}
	if r.Metrics != nil {
		opts = append(opts, transfer.WithMetrics(r.Metrics))
	}
	if r.PollInterval > 0 {
		opts = append(opts, transfer.WithPollInterval(r.PollInterval))
	}
	engineCfg, err := job.Request.EngineConfig(opts...)
	if err != nil {
		return err
	}

	open := r.Open
	if open == nil {
		open = OpenSerial
	}
	line, err := open(serialCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := line.Close(); err != nil {
			log.Warn("dnc: close port", "error", err)
		}
	}()

	log.Info("dnc: line opened", "line", serialCfg.String(), "mode", string(engineCfg.Mode()))

	eng := transfer.NewEngine(line, program, engineCfg, job.Report)
	job.SetControl(eng)

	return eng.Run(ctx)
}

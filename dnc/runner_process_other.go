//go:build !unix

package dnc

import (
	"context"
	"errors"
	"time"

	"github.com/arloliu/go-dnc/logger"
)

// ProcessRunner is only available on unix systems.
type ProcessRunner struct {
	Executable string
	Args       []string
	Env        []string
	Grace      time.Duration
	Logger     logger.Logger
}

// Run implements Runner.
func (r *ProcessRunner) Run(context.Context, *Job) error {
	return errors.New("dnc: process runner requires process groups")
}

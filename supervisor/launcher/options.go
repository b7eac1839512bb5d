package launcher

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/guardian/taskrunner/common/helpers"
	"github.com/guardian/taskrunner/common/models"
)

/**
LaunchOptions is decoded from the string parameters of a START command's job context.
Anything the supervisor doesn't recognise is left for the executor, which gets the full
parameter set in its parameters file.
*/
type LaunchOptions struct {
	Command        string        `mapstructure:"command"`
	Args           []string      `mapstructure:"args"`
	WorkingDir     string        `mapstructure:"workingDir"`
	OutputEncoding string        `mapstructure:"outputEncoding"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

func ParseLaunchOptions(params map[string]string) (*LaunchOptions, error) {
	var opts LaunchOptions
	if params == nil {
		return nil, errors.New("no launch parameters given")
	}
	if decodeErr := models.CustomisedMapStructureDecode(params, &opts); decodeErr != nil {
		return nil, fmt.Errorf("could not understand launch parameters: %w", decodeErr)
	}
	if opts.Command == "" {
		return nil, errors.New("launch parameters have no command")
	}
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("timeout %s is negative", opts.Timeout)
	}
	if _, decoderErr := helpers.DecoderForName(opts.OutputEncoding); decoderErr != nil {
		return nil, decoderErr
	}
	return &opts, nil
}

/**
finds the absolute path of the command, looking it up on PATH if it is a bare name, and checks
that it is something we can run
*/
func (o *LaunchOptions) ResolveExecutable() (string, helpers.ExecutableKind, error) {
	path := o.Command
	if !filepath.IsAbs(path) {
		found, lookErr := exec.LookPath(path)
		if lookErr != nil {
			return "", "", lookErr
		}
		path = found
	}
	kind, kindErr := helpers.ExecutableKindForFile(path)
	if kindErr != nil {
		return "", "", kindErr
	}
	return path, kind, nil
}

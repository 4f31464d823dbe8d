package initialize

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/go-appsec/netcap-toolbox/pktcap/config"
)

// Parse is the entry point for `pktcap init [--dir PATH] [--reset]`.
func Parse(args []string) error {
	fs := pflag.NewFlagSet("init", pflag.ContinueOnError)
	fs.SetInterspersed(true)

	var dir string
	var reset bool
	fs.StringVar(&dir, "dir", "", "state directory (default: ~/"+config.DefaultStateDir+")")
	fs.BoolVar(&reset, "reset", false, "remove the state directory first, including the CA")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: pktcap init [options]

Create the state directory with a default config.yaml and a sample
rules.json. Existing files are kept unless --reset is given.

Options:
  --dir PATH    state directory (default: ~/.pktcap)
  --reset       remove the state directory first, including the CA
`)
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if dir == "" {
		dir = config.DefaultConfig().StateDir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	return run(os.Stdout, abs, reset)
}

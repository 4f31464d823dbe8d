package ca

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/netcap-toolbox/pktcap/cliutil"
)

var caSubcommands = []string{"export", "issue", "help"}

// Parse is the entry point for `pktcap ca <command>`.
func Parse(args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "export":
		return parseExport(args[1:])
	case "issue":
		return parseIssue(args[1:])
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cliutil.UnknownSubcommandError("ca", args[0], caSubcommands)
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: pktcap ca <command> [options]

Manage the local certificate authority. The CA is created on first use
under <state_dir>/ca (see ca.dir in the config).

Commands:
  export     Write the root certificate in PEM form
  issue      Issue a leaf certificate for a host

Use "pktcap ca <command> --help" for more information.
`)
}

func parseExport(args []string) error {
	fs := pflag.NewFlagSet("ca export", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var configPath, out string

	fs.StringVarP(&configPath, "config", "c", "", "config file")
	fs.StringVarP(&out, "out", "o", "", "write the certificate to a file instead of stdout")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: pktcap ca export [options]

Write the root CA certificate so it can be added to a trust store.

Examples:
  pktcap ca export > pktcap-ca.pem
  pktcap ca export -o /usr/local/share/ca-certificates/pktcap.crt

Options:
`)
		fs.SetOutput(os.Stderr)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	authority, err := loadAuthority(configPath)
	if err != nil {
		return err
	}
	return export(os.Stdout, os.Stderr, authority, out)
}

func parseIssue(args []string) error {
	fs := pflag.NewFlagSet("ca issue", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var configPath, outDir string

	fs.StringVarP(&configPath, "config", "c", "", "config file")
	fs.StringVarP(&outDir, "out", "o", "", "directory receiving <host>.pem and <host>-key.pem")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: pktcap ca issue [options] <host>

Issue a leaf certificate for <host> signed by the local CA.
Without --out only the certificate details are printed.

Options:
`)
		fs.SetOutput(os.Stderr)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	} else if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("exactly one host required")
	}

	authority, err := loadAuthority(configPath)
	if err != nil {
		return err
	}
	return issue(os.Stdout, authority, fs.Arg(0), outDir)
}

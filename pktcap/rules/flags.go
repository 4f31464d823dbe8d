package rules

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/netcap-toolbox/pktcap/cliutil"
)

var rulesSubcommands = []string{"list", "test", "enable", "disable", "help"}

// Parse is the entry point for `pktcap rules <command>`.
func Parse(args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "list":
		return parseList(args[1:])
	case "test":
		return parseTest(args[1:])
	case "enable":
		return parseToggle(args[1:], true)
	case "disable":
		return parseToggle(args[1:], false)
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cliutil.UnknownSubcommandError("rules", args[0], rulesSubcommands)
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: pktcap rules <command> [options]

Inspect and edit the response rewrite rule file.

Commands:
  list       Show every rule and whether it is enabled
  test       Report which rule, if any, rewrites a URL
  enable     Enable a rule by name
  disable    Disable a rule by name

A running "pktcap run" with rules.watch enabled picks up edits automatically.

Use "pktcap rules <command> --help" for more information.
`)
}

// fileFlags registers the flags locating the rule file.
func fileFlags(fs *pflag.FlagSet, rulesPath, configPath *string) {
	fs.StringVar(rulesPath, "rules", "", "rule file (default: rules.path from config)")
	fs.StringVarP(configPath, "config", "c", "", "config file")
}

func parseFlags(fs *pflag.FlagSet, args []string, usage string) (bool, error) {
	fs.SetInterspersed(true)
	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, usage)
		fs.SetOutput(os.Stderr)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func parseList(args []string) error {
	fs := pflag.NewFlagSet("rules list", pflag.ContinueOnError)
	var rulesPath, configPath string
	fileFlags(fs, &rulesPath, &configPath)

	if ok, err := parseFlags(fs, args, "Usage: pktcap rules list [options]\n\nShow every rule in the rule file.\n\nOptions:\n"); !ok {
		return err
	}

	path, err := resolvePath(rulesPath, configPath)
	if err != nil {
		return err
	}
	return list(os.Stdout, path)
}

func parseTest(args []string) error {
	fs := pflag.NewFlagSet("rules test", pflag.ContinueOnError)
	var rulesPath, configPath string
	var full bool
	fileFlags(fs, &rulesPath, &configPath)
	fs.BoolVar(&full, "full", false, "print the complete replacement body")

	usage := `Usage: pktcap rules test [options] <url>

Report the rule that would replace the response body for <url>.
Patterns must match the whole URL, including scheme and query.

Examples:
  pktcap rules test https://example.com/api/user
  pktcap rules test --full --rules ./rules.json http://api.local/health

Options:
`
	if ok, err := parseFlags(fs, args, usage); !ok {
		return err
	} else if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("exactly one url required")
	}

	path, err := resolvePath(rulesPath, configPath)
	if err != nil {
		return err
	}
	return test(os.Stdout, path, fs.Arg(0), full)
}

func parseToggle(args []string, enabled bool) error {
	verb := "disable"
	if enabled {
		verb = "enable"
	}
	fs := pflag.NewFlagSet("rules "+verb, pflag.ContinueOnError)
	var rulesPath, configPath string
	fileFlags(fs, &rulesPath, &configPath)

	usage := fmt.Sprintf("Usage: pktcap rules %s [options] <name>\n\nSet enabled=%t on every rule called <name>, preserving the rest of the file.\n\nOptions:\n", verb, enabled)
	if ok, err := parseFlags(fs, args, usage); !ok {
		return err
	} else if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("exactly one rule name required")
	}

	path, err := resolvePath(rulesPath, configPath)
	if err != nil {
		return err
	}
	return toggle(os.Stdout, path, fs.Arg(0), enabled)
}


package main

import (
	"fmt"
	"os"

	"github.com/go-appsec/netcap-toolbox/pktcap/ca"
	"github.com/go-appsec/netcap-toolbox/pktcap/cliutil"
	"github.com/go-appsec/netcap-toolbox/pktcap/initialize"
	"github.com/go-appsec/netcap-toolbox/pktcap/rules"
	"github.com/go-appsec/netcap-toolbox/pktcap/run"
	"github.com/go-appsec/netcap-toolbox/pktcap/service"
)

var commands = []string{"init", "run", "rules", "ca", "version", "help"}

func main() {
	if err := dispatch(os.Args[1:]); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, cliutil.Error("Error: ")+err.Error())
		os.Exit(1)
	}
}

func dispatch(args []string) error {
	if len(args) < 1 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "init":
		return initialize.Parse(args[1:])
	case "run":
		return run.Parse(args[1:])
	case "rules":
		return rules.Parse(args[1:])
	case "ca":
		return ca.Parse(args[1:])
	case "version", "--version", "-v":
		fmt.Println("pktcap " + service.Version)
		return nil
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cliutil.UnknownSubcommandError("pktcap", args[0], commands)
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: pktcap <command> [options]

Packet capture through a tun device, with a local HTTP proxy that rewrites
response bodies by URL rule.

Commands:
  init       Create the state directory, config and sample rules
  run        Start capture and the rewriting proxy
  rules      List, test and toggle rewrite rules
  ca         Export the local CA or issue host certificates
  version    Print the version

Use "pktcap <command> --help" for more information.
`)
}

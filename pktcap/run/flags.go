package run

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/netcap-toolbox/pktcap/cliutil"
	"github.com/go-appsec/netcap-toolbox/pktcap/config"
)

type options struct {
	configPath string
	quiet      bool
	summary    int
	color      string
}

// Parse is the entry point for `pktcap run [options]`.
func Parse(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetInterspersed(true)

	var opts options
	var port int
	var noCapture bool
	var rulesPath, tunName, logLevel, logFile string
	var excludeUIDs []uint
	var historySize int

	fs.StringVarP(&opts.configPath, "config", "c", "", "config file (YAML)")
	fs.IntVarP(&port, "port", "p", 0, "proxy listen port on 127.0.0.1")
	fs.BoolVar(&noCapture, "no-capture", false, "run the proxy only, without the tun device")
	fs.StringVar(&rulesPath, "rules", "", "response rewrite rule file")
	fs.StringVar(&tunName, "tun", "", "tun interface name")
	fs.UintSliceVar(&excludeUIDs, "exclude-uid", nil, "uid whose traffic bypasses capture (repeatable)")
	fs.IntVar(&historySize, "history", 0, "packets retained in memory")
	fs.StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	fs.StringVar(&logFile, "log-file", "", "also log to this rotating file")
	fs.BoolVarP(&opts.quiet, "quiet", "q", false, "do not print packets as they are captured")
	fs.IntVar(&opts.summary, "summary", 20, "recent packets listed on exit (0 disables)")
	fs.StringVar(&opts.color, "color", "auto", "color output: auto, always, never")

	fs.Usage = printUsage

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	} else if fs.NArg() > 0 {
		printUsage()
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	mode, err := cliutil.ParseColorMode(opts.color)
	if err != nil {
		return err
	}
	cliutil.Output.ColorMode = mode

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	if fs.Changed("port") {
		cfg.Proxy.Port = port
	}
	if fs.Changed("no-capture") {
		cfg.Capture.Enabled = !noCapture
	}
	if fs.Changed("rules") {
		cfg.Rules.Path = rulesPath
	}
	if fs.Changed("tun") {
		cfg.Tun.Name = tunName
	}
	if fs.Changed("exclude-uid") {
		cfg.Tun.ExcludeUIDs = cfg.Tun.ExcludeUIDs[:0]
		for _, uid := range excludeUIDs {
			if uid > math.MaxUint32 {
				return fmt.Errorf("uid %d out of range", uid)
			}
			cfg.Tun.ExcludeUIDs = append(cfg.Tun.ExcludeUIDs, uint32(uid))
		}
	}
	if fs.Changed("history") {
		cfg.Capture.HistorySize = historySize
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if fs.Changed("log-file") {
		cfg.Log.File = logFile
		if !cfg.Log.HasWriter(config.WriterFile) {
			cfg.Log.Writers = append(cfg.Log.Writers, config.WriterFile)
		}
	}
	cfg.Log.NoColor = cfg.Log.NoColor || !cliutil.Output.ColorsEnabled()

	if err := cfg.Validate(); err != nil {
		return err
	}
	return run(cfg, opts)
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: pktcap run [options]

Capture packets from a tun device and serve the local rewriting proxy.

All outbound traffic of the host is routed through the tun device and
summarized as it arrives. Point HTTP clients at the proxy on 127.0.0.1 to
have response bodies replaced by the rule file. Creating the device
requires CAP_NET_ADMIN; use --no-capture to run only the proxy.

Examples:
  sudo pktcap run --rules ./rules.json
  pktcap run --no-capture --port 9090 --rules ./rules.json
  sudo pktcap run -c /etc/pktcap/config.yaml --exclude-uid 1000 -q

Options:
  -c, --config PATH        config file (YAML)
  -p, --port N             proxy listen port on 127.0.0.1 (default: 8888)
  --no-capture             run the proxy only, without the tun device
  --rules PATH             response rewrite rule file
  --tun NAME               tun interface name (default: pktcap0)
  --exclude-uid UID        uid whose traffic bypasses capture (repeatable)
  --history N              packets retained in memory (default: 1000)
  --log-level LEVEL        trace, debug, info, warn, error (default: info)
  --log-file PATH          also log to this rotating file
  -q, --quiet              do not print packets as they are captured
  --summary N              recent packets listed on exit (default: 20, 0 disables)
  --color MODE             auto, always, never (default: auto)
`)
}

package initialize

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-appsec/netcap-toolbox/pktcap/cliutil"
	"github.com/go-appsec/netcap-toolbox/pktcap/config"
	"github.com/go-appsec/netcap-toolbox/pktcap/rewrite"
)

//go:embed templates/rules.json
var sampleRules []byte

const rulesFileName = "rules.json"

type result struct {
	configPath   string
	rulesPath    string
	rulesWritten bool
}

func run(w io.Writer, stateDir string, reset bool) error {
	if reset {
		if err := os.RemoveAll(stateDir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", stateDir, err)
		}
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	res, err := initialize(stateDir)
	if err != nil {
		return err
	}
	printSuccess(w, res)
	return nil
}

func initialize(stateDir string) (result, error) {
	res := result{configPath: filepath.Join(stateDir, config.DefaultFileName)}

	cfg, err := loadOrCreateConfig(res.configPath)
	if err != nil {
		return res, err
	}
	cfg.StateDir = stateDir

	if cfg.Rules.Path == "" {
		cfg.Rules.Path = filepath.Join(stateDir, rulesFileName)
	}
	res.rulesPath = cfg.Rules.Path
	if res.rulesWritten, err = writeRulesIfMissing(cfg.Rules.Path); err != nil {
		return res, err
	}

	if err := cfg.Save(res.configPath); err != nil {
		return res, fmt.Errorf("failed to save config: %w", err)
	}
	return res, nil
}

func loadOrCreateConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return config.DefaultConfig(), nil
}

// writeRulesIfMissing writes the sample rule set unless a file already exists
// at path. Returns true if the file was written.
func writeRulesIfMissing(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if _, err := rewrite.ParseRules(sampleRules); err != nil {
		return false, fmt.Errorf("sample rules: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create rules directory: %w", err)
	} else if err := os.WriteFile(path, sampleRules, 0o644); err != nil {
		return false, fmt.Errorf("failed to write rules: %w", err)
	}
	return true, nil
}

func printSuccess(w io.Writer, res result) {
	_, _ = fmt.Fprintf(w, "Initialized %s\n", res.configPath)
	if res.rulesWritten {
		_, _ = fmt.Fprintf(w, "Wrote sample rules to %s\n", res.rulesPath)
	} else {
		_, _ = fmt.Fprintf(w, "Keeping existing rules at %s\n", res.rulesPath)
	}
	_, _ = fmt.Fprintln(w)
	cliutil.HintCommand(w, "Review the rules", "pktcap rules list -c "+res.configPath)
	cliutil.HintCommand(w, "Start capturing", "sudo pktcap run -c "+res.configPath)
}

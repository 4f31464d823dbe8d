package rules

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"

	"github.com/go-appsec/netcap-toolbox/pktcap/cliutil"
	"github.com/go-appsec/netcap-toolbox/pktcap/config"
	"github.com/go-appsec/netcap-toolbox/pktcap/rewrite"
	"github.com/go-appsec/netcap-toolbox/pktcap/util"
)

const (
	urlColumnWidth  = 48
	bodyColumnWidth = 32
)

func resolvePath(rulesPath, configPath string) (string, error) {
	if rulesPath != "" {
		return rulesPath, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	} else if cfg.Rules.Path == "" {
		return "", errors.New("no rule file: pass --rules or set rules.path in the config")
	}
	return cfg.Rules.Path, nil
}

func loadEngine(path string) (*rewrite.Engine, error) {
	engine := rewrite.NewEngine(zerolog.Nop())
	if err := engine.LoadFile(path); err != nil {
		return nil, err
	}
	return engine, nil
}

func list(w io.Writer, path string) error {
	engine, err := loadEngine(path)
	if err != nil {
		return err
	}

	rules := engine.Rules()
	if len(rules) == 0 {
		cliutil.NoResults(w, "No rules configured in "+path)
		return nil
	}

	t := cliutil.NewTable(w)
	t.AppendHeader(table.Row{"#", "Enabled", "Name", "URL", "Items", "Body"})
	t.SetRowPainter(cliutil.EnabledRowPainter(1))
	for i, r := range rules {
		var active int
		var body string
		for _, item := range r.Items {
			if !item.Enabled {
				continue
			}
			active++
			if b, ok := item.Body(); ok && body == "" && item.Type == rewrite.ItemReplaceResponseBody {
				body = b
			}
		}
		t.AppendRow(table.Row{
			i,
			r.Enabled,
			r.Name,
			util.TruncateString(r.URL, urlColumnWidth),
			strconv.Itoa(active) + "/" + strconv.Itoa(len(r.Items)),
			util.TruncateString(util.SingleLine(body), bodyColumnWidth),
		})
	}
	t.Render()
	cliutil.Summary(w, len(rules), "rule", "rules")
	if disabled := len(rules) - engine.EnabledCount(); disabled > 0 {
		cliutil.HintCommand(w, "To enable a rule", "pktcap rules enable <name>")
	}
	return nil
}

func test(w io.Writer, path, url string, full bool) error {
	engine, err := loadEngine(path)
	if err != nil {
		return err
	}

	m, ok := engine.Match(url)
	if !ok {
		cliutil.NoResults(w, "No enabled rule rewrites "+url)
		return nil
	}

	body := string(m.Body)
	if !full {
		body = util.TruncateString(body, 200)
	}
	_, _ = fmt.Fprintf(w, "Rule: %s\n", cliutil.ID(m.Rule))
	_, _ = fmt.Fprintf(w, "Position: rule %d, item %d\n", m.RuleIndex, m.ItemIndex)
	_, _ = fmt.Fprintf(w, "Replacement: %s\n", util.FormatBytes(int64(len(m.Body))))
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, cliutil.Bold("Body"))
	_, _ = fmt.Fprintln(w, body)
	return nil
}

func toggle(w io.Writer, path, name string, enabled bool) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading rule file: %w", err)
	}
	updated, err := rewrite.SetRuleEnabled(payload, name, enabled)
	if err != nil {
		return err
	}
	// the edited document must still load before it replaces the file
	if err := rewrite.NewEngine(zerolog.Nop()).Load(updated); err != nil {
		return fmt.Errorf("edited rule file is invalid: %w", err)
	}
	if err := writeFileAtomic(path, updated); err != nil {
		return err
	}

	state := "Disabled"
	if enabled {
		state = "Enabled"
	}
	_, _ = fmt.Fprintf(w, "%s rule `%s`\n", state, name)
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing rule file: %w", err)
	} else if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("setting rule file mode: %w", err)
	} else if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing rule file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

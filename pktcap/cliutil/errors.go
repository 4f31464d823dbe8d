package cliutil

import (
	"fmt"
	"strings"
)

// UnknownSubcommandError reports an unrecognized subcommand of command,
// suggesting the closest valid one when it shares a prefix.
func UnknownSubcommandError(command, given string, valid []string) error {
	for _, v := range valid {
		if given != "" && (strings.HasPrefix(v, given) || strings.HasPrefix(given, v)) {
			return fmt.Errorf("unknown %s subcommand %q, did you mean %q? (valid: %s)", command, given, v, strings.Join(valid, ", "))
		}
	}
	return fmt.Errorf("unknown %s subcommand %q (valid: %s)", command, given, strings.Join(valid, ", "))
}

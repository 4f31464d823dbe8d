package rewrite

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrRuleNotFound = errors.New("rule not found")

// SetRuleEnabled rewrites the enabled flag of every rule named name inside a
// rule set payload, leaving the rest of the document untouched.
func SetRuleEnabled(payload []byte, name string, enabled bool) ([]byte, error) {
	if _, err := ParseRules(payload); err != nil {
		return nil, err
	}

	var indexes []int
	gjson.ParseBytes(payload).ForEach(func(idx, value gjson.Result) bool {
		if value.Get("name").Str == name {
			indexes = append(indexes, int(idx.Int()))
		}
		return true
	})
	if len(indexes) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrRuleNotFound, name)
	}

	out := payload
	for _, i := range indexes {
		var err error
		out, err = sjson.SetBytes(out, strconv.Itoa(i)+".enabled", enabled)
		if err != nil {
			return nil, fmt.Errorf("updating rule %d: %w", i, err)
		}
	}
	return out, nil
}

package rewrite

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/tidwall/gjson"
)

// Item types recognized in a rule set. Only ItemReplaceResponseBody is applied;
// header and status items are parsed and retained.
const (
	ItemReplaceResponseBody   = "replaceResponseBody"
	ItemReplaceResponseHeader = "replaceResponseHeader"
	ItemReplaceResponseStatus = "replaceResponseStatus"
)

// ErrInvalidRules wraps every rule payload parsing failure.
var ErrInvalidRules = errors.New("invalid rule set")

// Rule matches request URLs with a regular expression and applies its items.
type Rule struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Type    string `json:"type"`
	Items   []Item `json:"items"`
}

// Item is one action of a rule.
type Item struct {
	Enabled bool              `json:"enabled"`
	Type    string            `json:"type"`
	Values  map[string]string `json:"values"`
}

// Body returns the replacement body value when present.
func (i Item) Body() (string, bool) {
	body, ok := i.Values["body"]
	return body, ok
}

func (r Rule) clone() Rule {
	c := r
	c.Items = make([]Item, len(r.Items))
	for i, item := range r.Items {
		c.Items[i] = item
		c.Items[i].Values = maps.Clone(item.Values)
	}
	return c
}

func cloneRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		out[i] = r.clone()
	}
	return out
}

// ParseRules decodes a rule set payload: a JSON array of rule objects, each
// with name, enabled, url, type and items fields; every item carries enabled,
// type and a values object. Non-string values keep their JSON text, null
// values are omitted.
func ParseRules(payload []byte) ([]Rule, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidRules)
	}
	root := gjson.ParseBytes(payload)
	if !root.IsArray() {
		return nil, fmt.Errorf("%w: top level must be an array", ErrInvalidRules)
	}

	var rules []Rule
	var err error
	root.ForEach(func(idx, value gjson.Result) bool {
		var r Rule
		if r, err = parseRule(value); err != nil {
			err = fmt.Errorf("%w: rule %d: %w", ErrInvalidRules, idx.Int(), err)
			return false
		}
		rules = append(rules, r)
		return true
	})
	if err != nil {
		return nil, err
	}
	return slices.Clip(rules), nil
}

func parseRule(value gjson.Result) (Rule, error) {
	if !value.IsObject() {
		return Rule{}, errors.New("not an object")
	}

	var r Rule
	var err error
	if r.Name, err = requireString(value, "name"); err != nil {
		return Rule{}, err
	} else if r.Enabled, err = requireBool(value, "enabled"); err != nil {
		return Rule{}, err
	} else if r.URL, err = requireString(value, "url"); err != nil {
		return Rule{}, err
	} else if r.Type, err = requireString(value, "type"); err != nil {
		return Rule{}, err
	}

	items := value.Get("items")
	if !items.IsArray() {
		return Rule{}, errors.New(`"items" must be an array`)
	}
	for i, iv := range items.Array() {
		item, err := parseItem(iv)
		if err != nil {
			return Rule{}, fmt.Errorf("item %d: %w", i, err)
		}
		r.Items = append(r.Items, item)
	}
	return r, nil
}

func parseItem(value gjson.Result) (Item, error) {
	if !value.IsObject() {
		return Item{}, errors.New("not an object")
	}

	var item Item
	var err error
	if item.Enabled, err = requireBool(value, "enabled"); err != nil {
		return Item{}, err
	} else if item.Type, err = requireString(value, "type"); err != nil {
		return Item{}, err
	}

	values := value.Get("values")
	if !values.IsObject() {
		return Item{}, errors.New(`"values" must be an object`)
	}
	item.Values = make(map[string]string)
	values.ForEach(func(k, v gjson.Result) bool {
		switch v.Type {
		case gjson.Null:
		case gjson.String:
			item.Values[k.String()] = v.Str
		default:
			item.Values[k.String()] = v.Raw
		}
		return true
	})
	return item, nil
}

func requireString(value gjson.Result, field string) (string, error) {
	v := value.Get(field)
	if !v.Exists() {
		return "", fmt.Errorf("missing %q", field)
	} else if v.Type != gjson.String {
		return "", fmt.Errorf("%q must be a string", field)
	}
	return v.Str, nil
}

func requireBool(value gjson.Result, field string) (bool, error) {
	v := value.Get(field)
	switch {
	case !v.Exists():
		return false, fmt.Errorf("missing %q", field)
	case v.Type == gjson.True || v.Type == gjson.False:
		return v.Bool(), nil
	case v.Type == gjson.String && (v.Str == "true" || v.Str == "false"):
		return v.Str == "true", nil
	default:
		return false, fmt.Errorf("%q must be a boolean", field)
	}
}

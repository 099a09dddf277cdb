package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// tree is the JSON view of a Config that dot-paths address.
type tree = map[string]any

func toTree(cfg *Config) (tree, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var t tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return t, nil
}

func fromTree(t tree) (*Config, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func lookup(t tree, path string) (any, bool) {
	var cur any = t
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(tree)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetByPath returns the value at a dot-path such as "delivery.sentDelayMs".
// Sections come back as maps.
func GetByPath(cfg *Config, path string) (any, error) {
	t, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	v, ok := lookup(t, path)
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", path)
	}
	return v, nil
}

// SetByPath assigns value at a dot-path. String values are coerced to bool
// or number when they parse as one. Keys the Config does not have are
// rejected, except entries of map sections such as telegram.chats.<id>.
// cfg is left untouched on error.
func SetByPath(cfg *Config, path string, value any) error {
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid config path %q", path)
		}
	}
	t, err := toTree(cfg)
	if err != nil {
		return err
	}

	node := t
	for i, key := range parts[:len(parts)-1] {
		next, ok := node[key]
		if !ok {
			// Only an omitted (empty) map section may be created on the way.
			created := tree{}
			node[key] = created
			node = created
			continue
		}
		m, ok := next.(tree)
		if !ok {
			return fmt.Errorf("%s is a %T, not a section", strings.Join(parts[:i+1], "."), next)
		}
		node = m
	}
	node[parts[len(parts)-1]] = coerce(value)

	updated, err := fromTree(t)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	// Unknown keys vanish on the round trip. So does an empty string set on
	// an omitempty field, which is allowed.
	check, err := toTree(updated)
	if err != nil {
		return err
	}
	if _, ok := lookup(check, path); !ok && value != "" {
		return fmt.Errorf("unknown config key: %s", path)
	}
	*cfg = *updated
	return nil
}

func coerce(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of cfg with the Telegram token masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Telegram.Chats = make(map[string]ChatID, len(cfg.Telegram.Chats))
	for k, v := range cfg.Telegram.Chats {
		out.Telegram.Chats[k] = v
	}
	if out.Telegram.Token != "" {
		out.Telegram.Token = mask(out.Telegram.Token)
	}
	return &out
}

// mask keeps four characters at each end of s.
func mask(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths flattens cfg into dot-path leaves.
func ListPaths(cfg *Config) map[string]any {
	t, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, m tree)
	walk = func(prefix string, m tree) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if sub, ok := v.(tree); ok {
				walk(k, sub)
				continue
			}
			out[k] = v
		}
	}
	walk("", t)
	return out
}

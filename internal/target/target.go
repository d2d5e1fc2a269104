// Package target expands target expressions into the minion ids they select.
package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
)

var ErrUnsupportedType = errors.New("unsupported target type")

// Resolver expands a target expression of the given type.
type Resolver interface {
	CheckMinions(ctx context.Context, tgt any, tgtType string) ([]string, error)
}

// Roster lists the minions known to the master.
type Roster interface {
	Minions(ctx context.Context) ([]string, error)
}

// StaticRoster is a fixed minion list.
type StaticRoster []string

func (r StaticRoster) Minions(_ context.Context) ([]string, error) {
	return append([]string(nil), r...), nil
}

// DirRoster lists minions by the file names in an accepted-keys directory.
type DirRoster string

func (d DirRoster) Minions(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(string(d))
	if err != nil {
		return nil, fmt.Errorf("read minion dir %s: %w", string(d), err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// Matcher resolves glob, pcre and list targets against a Roster.
type Matcher struct {
	roster Roster
}

var _ Resolver = (*Matcher)(nil)

// NewMatcher creates a Matcher over r.
func NewMatcher(r Roster) *Matcher {
	return &Matcher{roster: r}
}

// CheckMinions returns the sorted, de-duplicated minions selected by tgt.
func (m *Matcher) CheckMinions(ctx context.Context, tgt any, tgtType string) ([]string, error) {
	if tgtType == "" {
		tgtType = "glob"
	}

	var match func(string) bool
	switch tgtType {
	case "glob":
		pattern, ok := tgt.(string)
		if !ok {
			return nil, fmt.Errorf("glob target must be a string, got %T", tgt)
		}
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("glob target %q: %w", pattern, err)
		}
		match = func(id string) bool {
			ok, _ := path.Match(pattern, id)
			return ok
		}
	case "pcre":
		expr, ok := tgt.(string)
		if !ok {
			return nil, fmt.Errorf("pcre target must be a string, got %T", tgt)
		}
		// Anchored at the start of the id only.
		re, err := regexp.Compile("^(?:" + expr + ")")
		if err != nil {
			return nil, fmt.Errorf("pcre target %q: %w", expr, err)
		}
		match = re.MatchString
	case "list":
		set, err := listTarget(tgt)
		if err != nil {
			return nil, err
		}
		match = func(id string) bool { return set[id] }
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, tgtType)
	}

	known, err := m.roster.Minions(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(known))
	minions := []string{}
	for _, id := range known {
		if seen[id] || !match(id) {
			continue
		}
		seen[id] = true
		minions = append(minions, id)
	}
	sort.Strings(minions)
	return minions, nil
}

func listTarget(tgt any) (map[string]bool, error) {
	set := map[string]bool{}
	switch v := tgt.(type) {
	case string:
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				set[id] = true
			}
		}
	case []string:
		for _, id := range v {
			set[id] = true
		}
	case []any:
		for _, item := range v {
			id, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("list target entries must be strings, got %T", item)
			}
			set[id] = true
		}
	default:
		return nil, fmt.Errorf("list target must be a string or list, got %T", tgt)
	}
	return set, nil
}

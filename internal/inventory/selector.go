package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"olav/internal/types"
)

// ===== SELECTOR =====

// Selector designates a device set. Exactly one of the fields is active:
// explicit names, the whole roster, or a keyed filter.
//
// Grammar: a concrete name, a comma-separated name list, the literal "all",
// or one of group:<tag>, site:<tag>, role:<tag>, platform:<tag>.
type Selector struct {
	raw   string
	Names []string
	All   bool
	Key   string
	Value string
}

var selectorKeys = map[string]bool{
	"group":    true,
	"site":     true,
	"role":     true,
	"platform": true,
}

// ParseSelector parses the selector grammar. Unknown filter keys are an
// error rather than a silent name lookup.
func ParseSelector(s string) (Selector, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Selector{}, types.NewError(types.KindEmptyScope, "empty selector")
	}
	sel := Selector{raw: raw}

	if strings.EqualFold(raw, "all") {
		sel.All = true
		return sel, nil
	}

	if i := strings.IndexByte(raw, ':'); i > 0 && !strings.Contains(raw, ",") {
		key := strings.ToLower(strings.TrimSpace(raw[:i]))
		if selectorKeys[key] {
			value := strings.TrimSpace(raw[i+1:])
			if value == "" {
				return Selector{}, types.Errorf(types.KindEmptyScope, "selector %q has an empty %s tag", raw, key)
			}
			sel.Key, sel.Value = key, value
			return sel, nil
		}
		return Selector{}, types.Errorf(types.KindNotFound, "unknown selector key %q (want group, site, role or platform)", key)
	}

	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		sel.Names = append(sel.Names, name)
	}
	if len(sel.Names) == 0 {
		return Selector{}, types.NewError(types.KindEmptyScope, "empty selector")
	}
	return sel, nil
}

// String returns the selector as written.
func (s Selector) String() string { return s.raw }

// Matches reports whether the device satisfies a roster-filter selector.
// Name selectors are resolved by lookup, not by filtering, so they always
// report false here.
func (s Selector) Matches(d Device) bool {
	switch {
	case s.All:
		return true
	case s.Key == "group":
		return d.InGroup(s.Value)
	case s.Key == "platform":
		return equalFold(d.Platform, s.Value)
	case s.Key == "site", s.Key == "role":
		return equalFold(d.Attr(s.Key), s.Value)
	}
	return false
}

func equalFold(a, b string) bool { return strings.EqualFold(a, b) }

// ===== RESOLUTION =====

// Resolve evaluates a selector against the provider. Name selectors look up
// each name and collect the missing ones; filter selectors scan the roster.
// An empty result is returned as-is; the caller decides whether that is an
// EmptyScope failure.
func Resolve(ctx context.Context, p Provider, sel Selector) (Resolution, error) {
	var res Resolution

	if len(sel.Names) > 0 {
		for _, name := range sel.Names {
			d, err := p.Get(ctx, name)
			if err != nil {
				if types.KindOf(err) == types.KindNotFound {
					res.Missing = append(res.Missing, name)
					continue
				}
				return Resolution{}, fmt.Errorf("inventory lookup for %q: %w", name, err)
			}
			res.Resolved = append(res.Resolved, d)
		}
		sortDevices(res.Resolved)
		return res, nil
	}

	roster, err := p.List(ctx)
	if err != nil {
		return Resolution{}, fmt.Errorf("inventory list: %w", err)
	}
	for _, d := range roster {
		if sel.Matches(d) {
			res.Resolved = append(res.Resolved, d)
		}
	}
	sortDevices(res.Resolved)
	return res, nil
}

func sortDevices(devices []Device) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
}

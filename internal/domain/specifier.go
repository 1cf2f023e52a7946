package domain

import (
	"fmt"
	"strings"
)

// SpecifierEntry is one element of a model specifier fallback chain.
// Provider is empty when the router should pick by priority.
type SpecifierEntry struct {
	ModelID  string
	Provider string
}

func (e SpecifierEntry) String() string {
	if e.Provider == "" {
		return e.ModelID
	}
	return e.ModelID + "/" + e.Provider
}

// ParseModelSpecifier parses `entry ("," entry)*` where
// `entry = modelId ["/" provider]`.
//
// Model ids may themselves contain "/", so the split happens on the last "/"
// and the router decides whether the suffix really names a provider (see
// Whole).
func ParseModelSpecifier(spec string) ([]SpecifierEntry, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, fmt.Errorf("model specifier is empty")
	}

	raw := strings.Split(spec, ",")
	entries := make([]SpecifierEntry, 0, len(raw))
	for i, part := range raw {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("entry %d is empty", i)
		}
		if strings.ContainsAny(part, " \t\n") {
			return nil, fmt.Errorf("entry %d contains whitespace", i)
		}

		entry := SpecifierEntry{ModelID: part}
		if idx := strings.LastIndex(part, "/"); idx >= 0 {
			entry.ModelID = part[:idx]
			entry.Provider = part[idx+1:]
			if entry.ModelID == "" || entry.Provider == "" {
				return nil, fmt.Errorf("entry %d (%q) has an empty model or provider", i, part)
			}
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Whole returns the entry read as a model id with no provider, for catalogs
// whose model ids contain "/".
func (e SpecifierEntry) Whole() SpecifierEntry {
	if e.Provider == "" {
		return e
	}
	return SpecifierEntry{ModelID: e.ModelID + "/" + e.Provider}
}

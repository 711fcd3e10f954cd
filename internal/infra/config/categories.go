package config

import (
	"strconv"
	"strings"
)

var newznabNames = map[int]string{
	1000: "Console",
	2000: "Movies",
	2030: "Movies > SD",
	2040: "Movies > HD",
	2045: "Movies > UHD",
	3000: "Audio",
	4000: "PC",
	5000: "TV",
	5030: "TV > SD",
	5040: "TV > HD",
	5045: "TV > UHD",
	6000: "XXX",
	7000: "Other",
}

// NewznabName maps a Newznab id to a human-readable string.
func NewznabName(id int) string {
	if name, ok := newznabNames[id]; ok {
		return name
	}
	if name, ok := newznabNames[id/1000*1000]; ok {
		return name
	}
	return "Other" // Fallback
}

// Category resolves name to a rule: exact (case-insensitive) name first,
// then a Newznab id listed on a rule, then its parent id, then the
// Newznab display name, then the "*" rule. The zero rule with Name "*"
// is returned when nothing matches.
func (c *Config) Category(name string) CategoryRule {
	name = strings.TrimSpace(name)
	for _, r := range c.Categories {
		if strings.EqualFold(r.Name, name) {
			return r
		}
	}

	if id, err := strconv.Atoi(name); err == nil {
		for _, want := range []int{id, id / 1000 * 1000} {
			for _, r := range c.Categories {
				for _, n := range r.Newznab {
					if n == want {
						return r
					}
				}
			}
		}
		display := NewznabName(id)
		if i := strings.Index(display, " > "); i >= 0 {
			display = display[:i]
		}
		for _, r := range c.Categories {
			if strings.EqualFold(r.Name, display) {
				return r
			}
		}
	}

	for _, r := range c.Categories {
		if r.Name == "*" {
			return r
		}
	}
	return CategoryRule{Name: "*"}
}

// DirName is the directory under complete/ for this rule.
func (r CategoryRule) DirName() string {
	if r.Dir != "" {
		return r.Dir
	}
	if r.Name == "*" || r.Name == "" {
		return "default"
	}
	return strings.ToLower(r.Name)
}

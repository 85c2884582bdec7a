// Package registry holds the curated list of known WabiSabi coordinators.
// Coordinators are added by releasing a new version; there is no discovery.
package registry

import "strings"

// Entry is a known coordinator
type Entry struct {
	Name        string
	URL         string
	Description string
}

var knownCoordinators = []Entry{
	{
		Name:        "Kruw",
		URL:         "https://coinjoin.kruw.io/",
		Description: "Kruw Coordinator",
	},
	{
		Name:        "OpenCoordinator",
		URL:         "https://api.opencoordinator.org/",
		Description: "Open Coordinator",
	},
}

// Registry looks up coordinators in a fixed table
type Registry struct {
	entries []Entry
}

// New returns a registry over the built-in coordinator table
func New() *Registry {
	return NewWithEntries(knownCoordinators)
}

// NewWithEntries returns a registry over the given entries
func NewWithEntries(entries []Entry) *Registry {
	copied := make([]Entry, len(entries))
	copy(copied, entries)
	return &Registry{entries: copied}
}

// Coordinators returns all entries in table order
func (r *Registry) Coordinators() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// ByURL finds an entry by URL, ignoring case and trailing slashes
func (r *Registry) ByURL(url string) (Entry, bool) {
	want := NormalizeURL(url)
	for _, e := range r.entries {
		if strings.EqualFold(NormalizeURL(e.URL), want) {
			return e, true
		}
	}
	return Entry{}, false
}

// ByName finds an entry by name, ignoring case
func (r *Registry) ByName(name string) (Entry, bool) {
	for _, e := range r.entries {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return Entry{}, false
}

// NormalizeURL strips trailing slashes
func NormalizeURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}

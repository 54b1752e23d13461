// Package pathfilter implements the producer's ordered include/exclude
// rule list (rsync/dsFileFilter-style glob matching), used by
// internal/walker to decide which entries to emit and which directories to
// defer.
package pathfilter

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/go-dsync/dsync/internal/flist"
)

// Rule is one ordered include/exclude pattern.
type Rule struct {
	Type    flist.FilterType
	Pattern string

	// dirOnly is true when Pattern ends in "/": it only ever matches
	// directories, and the trailing slash is stripped before matching.
	dirOnly bool
	// pathPattern is true when Pattern contains a "/" (after stripping any
	// trailing one): it matches against the full path relative to the
	// filter's root, not just the basename.
	pathPattern bool
	match       string
}

func newRule(t flist.FilterType, pattern string) Rule {
	r := Rule{Type: t, Pattern: pattern}
	m := pattern
	if strings.HasSuffix(m, "/") {
		r.dirOnly = true
		m = strings.TrimSuffix(m, "/")
	}
	r.pathPattern = strings.Contains(m, "/")
	r.match = m
	return r
}

// Filter is an ordered list of include/exclude rules with default-include
// semantics: an entry neither explicitly excluded nor (while any include
// rule exists) explicitly included falls through to the implicit default,
// matching dsFileFilter's behavior.
type Filter struct {
	rules []Rule
}

// New returns an empty filter (everything is included).
func New() *Filter {
	return &Filter{}
}

// Add appends a rule to the end of the ordered list. Rules are evaluated
// first-match-wins, in the order they were added.
func (f *Filter) Add(t flist.FilterType, pattern string) {
	f.rules = append(f.rules, newRule(t, pattern))
}

// AddRecord appends a rule decoded from a flist.Filter record, as read from
// a list stream.
func (f *Filter) AddRecord(rec *flist.Filter) {
	f.Add(rec.Type, rec.Pattern)
}

// Test reports whether relPath (slash-separated, relative to the walk
// root, no leading slash) should be included, given whether it names a
// directory. The first matching rule decides; no match means included.
func (f *Filter) Test(relPath string, isDir bool) bool {
	base := path.Base(relPath)
	for _, r := range f.rules {
		if r.dirOnly && !isDir {
			continue
		}
		var candidate string
		if r.pathPattern {
			candidate = relPath
		} else {
			candidate = base
		}
		ok, err := doublestar.Match(r.match, candidate)
		if err != nil || !ok {
			continue
		}
		return r.Type == flist.FilterInclude
	}
	return true
}

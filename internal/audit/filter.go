package audit

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// ActionFilter matches record actions against glob patterns such as
// "record.*" or "consent.{grant,revoke}". Matching is case-insensitive.
// A nil or empty filter matches everything.
type ActionFilter struct {
	globs []glob.Glob
}

// CompileActionFilter compiles the given patterns once so per-record
// matching stays cheap on large exports.
func CompileActionFilter(patterns ...string) (*ActionFilter, error) {
	f := &ActionFilter{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, fmt.Errorf("invalid action pattern %q: %w", p, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Match reports whether action matches any pattern (OR across patterns).
func (f *ActionFilter) Match(action string) bool {
	if f == nil || len(f.globs) == 0 {
		return true
	}
	action = strings.ToLower(action)
	for _, g := range f.globs {
		if g.Match(action) {
			return true
		}
	}
	return false
}

// ApplyQuery filters records (already newest-first) by params in memory.
// SQL stores use it for the glob part of a query, which SQL can't express.
func ApplyQuery(records []Record, params QueryParams) ([]Record, error) {
	filter, err := CompileActionFilter(params.Action)
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, r := range records {
		if params.UserID != "" && (r.UserID == nil || *r.UserID != params.UserID) {
			continue
		}
		if !params.Since.IsZero() && r.Timestamp.Before(params.Since) {
			continue
		}
		if !filter.Match(r.Action) {
			continue
		}
		out = append(out, r)
		if params.Limit > 0 && len(out) == params.Limit {
			break
		}
	}
	return out, nil
}

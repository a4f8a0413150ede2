package webhook

import "regexp"

// regexpLike wraps a compiled regexp so placeholder.apply can pick a
// capture group by index or by name without leaking regexp details
// into template.go.
type regexpLike struct {
	re *regexp.Regexp
}

func compileRegex(pattern string) (*regexpLike, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &regexpLike{re: re}, nil
}

type submatch struct {
	groups []string
	names  []string
}

func (r *regexpLike) findSubmatch(value string) *submatch {
	m := r.re.FindStringSubmatch(value)
	if m == nil {
		return nil
	}
	return &submatch{groups: m, names: r.re.SubexpNames()}
}

func (s *submatch) group(n int) string {
	if n < 0 || n >= len(s.groups) {
		return ""
	}
	return s.groups[n]
}

func (s *submatch) named(name string) string {
	for i, n := range s.names {
		if n == name && i < len(s.groups) {
			return s.groups[i]
		}
	}
	return ""
}

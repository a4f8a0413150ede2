package webhook

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// fields is the set of well-known placeholder field names.
var fields = map[string]struct{}{
	"contact":   {},
	"message":   {},
	"sim":       {},
	"timestamp": {},
	"send":      {},
}

type templatePart struct {
	static      string // valid when placeholder is nil
	placeholder *placeholder
}

type placeholder struct {
	field string
	re    *regexpLike // nil for plain substitution
	group int         // used when name == ""
	name  string      // used when non-empty
}

// Template is a compiled `@...@`-delimited string: an alternating
// sequence of literal text and typed placeholders.
type Template struct {
	parts []templatePart
}

// Compile parses raw into a Template, validating every placeholder's
// field name and, when present, its regex.
func Compile(raw string) (*Template, error) {
	var parts []templatePart
	i := 0
	for i < len(raw) {
		start := strings.IndexByte(raw[i:], '@')
		if start < 0 {
			parts = append(parts, templatePart{static: raw[i:]})
			break
		}
		start += i
		if start > i {
			parts = append(parts, templatePart{static: raw[i:start]})
		}
		end := strings.IndexByte(raw[start+1:], '@')
		if end < 0 {
			return nil, errors.Errorf("unterminated placeholder starting at byte %d", start)
		}
		end += start + 1
		content := raw[start+1 : end]
		ph, err := compilePlaceholder(content)
		if err != nil {
			return nil, err
		}
		parts = append(parts, templatePart{placeholder: ph})
		i = end + 1
	}
	return &Template{parts: parts}, nil
}

func compilePlaceholder(content string) (*placeholder, error) {
	segs := strings.SplitN(content, "::", 3)
	field := strings.TrimSpace(segs[0])
	if _, ok := fields[field]; !ok {
		return nil, errors.Errorf("unknown placeholder field %q", field)
	}
	if len(segs) == 1 {
		return &placeholder{field: field}, nil
	}

	re, err := compileRegex(segs[1])
	if err != nil {
		return nil, errors.Wrapf(err, "placeholder %q", content)
	}
	if len(segs) == 2 {
		return &placeholder{field: field, re: re, group: 1}, nil
	}

	selector := segs[2]
	if n, err := strconv.Atoi(selector); err == nil {
		return &placeholder{field: field, re: re, group: n}, nil
	}
	return &placeholder{field: field, re: re, name: selector}, nil
}

// Apply renders the template against the given field values.
func (t *Template) Apply(values map[string]string) string {
	var b strings.Builder
	for _, part := range t.parts {
		if part.placeholder == nil {
			b.WriteString(part.static)
			continue
		}
		b.WriteString(part.placeholder.apply(values))
	}
	return b.String()
}

func (p *placeholder) apply(values map[string]string) string {
	value := values[p.field]
	if p.re == nil {
		return value
	}
	match := p.re.findSubmatch(value)
	if match == nil {
		return ""
	}
	if p.name != "" {
		return match.named(p.name)
	}
	return match.group(p.group)
}

package cors

import (
	"strings"
)

// originPattern matches origins against a pattern where '*' stands for any
// run of characters, e.g. https://*.example.com.
type originPattern struct {
	raw   string
	parts []string
}

func compilePattern(pattern string) originPattern {
	// collapse repeated wildcards
	for strings.Contains(pattern, "**") {
		pattern = strings.ReplaceAll(pattern, "**", "*")
	}
	return originPattern{raw: pattern, parts: strings.Split(pattern, "*")}
}

func (p originPattern) match(origin string) bool {
	if len(p.parts) == 1 {
		return origin == p.parts[0]
	}

	first, last := p.parts[0], p.parts[len(p.parts)-1]
	if len(origin) < len(first)+len(last) || !strings.HasPrefix(origin, first) || !strings.HasSuffix(origin, last) {
		return false
	}

	rest := origin[len(first) : len(origin)-len(last)]
	for _, part := range p.parts[1 : len(p.parts)-1] {
		idx := strings.Index(rest, part)
		if idx == -1 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return true
}

package corvid

import (
	"regexp"
	"slices"
	"strings"
)

var paramPattern = regexp.MustCompile(`^ *([^ =]+)(?:=([^ =]+))?`)

// Parameters holds the KEY or KEY=VALUE tokens of a command line, such as
// the ESMTP parameters following the path in MAIL FROM. Keys are stored
// upper-cased; the value of a key given without "=value" is the empty string.
type Parameters struct {
	values map[string]string
}

// ParseParameters scans line starting at offset for parameter tokens.
// Scanning stops at the end of the line or at the first text that is not a
// parameter token. When a key repeats, the last occurrence wins.
func ParseParameters(line string, offset int) Parameters {
	p := Parameters{values: make(map[string]string)}
	if offset < 0 || offset > len(line) {
		return p
	}

	rest := line[offset:]
	for rest != "" {
		m := paramPattern.FindStringSubmatchIndex(rest)
		if m == nil {
			break
		}
		key := strings.ToUpper(rest[m[2]:m[3]])
		value := ""
		if m[4] >= 0 {
			value = rest[m[4]:m[5]]
		}
		p.values[key] = value
		rest = rest[m[1]:]
	}
	return p
}

// Exists reports whether key was present, ignoring case.
func (p Parameters) Exists(key string) bool {
	_, ok := p.values[strings.ToUpper(key)]
	return ok
}

// Get returns the value for key, ignoring case. The boolean is false when the
// key is absent, which is distinct from a key present without a value.
func (p Parameters) Get(key string) (string, bool) {
	v, ok := p.values[strings.ToUpper(key)]
	return v, ok
}

// Len returns the number of distinct keys.
func (p Parameters) Len() int {
	return len(p.values)
}

// Keys returns the upper-cased keys in sorted order.
func (p Parameters) Keys() []string {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Map returns a copy of the parameters as a map.
func (p Parameters) Map() map[string]string {
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

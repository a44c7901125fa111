package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnbound is returned when a template or expression reads a variable that
// is declared but has no value yet.
var ErrUnbound = errors.New("variable not bound")

var (
	// anyPlaceholder finds every {{ ... }} so malformed ones are reported.
	anyPlaceholder = regexp.MustCompile(`\{\{(.*?)\}\}`)
	pathPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)
)

// templateRefs returns the dotted paths a template reads, in order of appearance.
func templateRefs(tmpl string) ([]string, error) {
	var refs []string
	for _, m := range anyPlaceholder.FindAllStringSubmatch(tmpl, -1) {
		path := strings.TrimSpace(m[1])
		if !pathPattern.MatchString(path) {
			return nil, fmt.Errorf("malformed placeholder %q", m[0])
		}
		refs = append(refs, path)
	}
	return refs, nil
}

// Render substitutes every {{ path }} in tmpl with its value in vars.
// Nested values are reached with dots: {{ plan.steps }}.
func Render(tmpl string, vars map[string]any) (string, error) {
	var firstErr error
	out := anyPlaceholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		if firstErr != nil {
			return m
		}
		path := strings.TrimSpace(m[2 : len(m)-2])
		if !pathPattern.MatchString(path) {
			firstErr = fmt.Errorf("malformed placeholder %q", m)
			return m
		}
		v, err := lookup(vars, path)
		if err != nil {
			firstErr = err
			return m
		}
		return formatValue(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// lookup resolves a dotted path. The root must be bound; missing nested keys
// resolve to nil.
func lookup(vars map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	cur, ok := vars[parts[0]]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnbound, parts[0])
	}
	for _, p := range parts[1:] {
		switch c := cur.(type) {
		case map[string]any:
			cur = c[p]
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(c) {
				return nil, nil
			}
			cur = c[i]
		default:
			return nil, nil
		}
	}
	return cur, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}

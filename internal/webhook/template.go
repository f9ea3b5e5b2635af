package webhook

import (
	"fmt"
	"strings"
)

// resolveTemplate substitutes every `{{path.to.value}}` placeholder in tmpl
// with the corresponding value from output, walking nested maps by dotted
// path segments. Missing paths resolve to the empty string. A tmpl of ""
// means "use the output tree itself", handled by the caller.
func resolveTemplate(tmpl string, output map[string]any) string {
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start

		b.WriteString(rest[:start])
		path := strings.TrimSpace(rest[start+2 : end])
		b.WriteString(stringify(lookupPath(output, path)))
		rest = rest[end+2:]
	}
	return b.String()
}

func lookupPath(tree map[string]any, path string) any {
	if path == "" {
		return tree
	}
	segments := strings.Split(path, ".")
	var cur any = tree
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

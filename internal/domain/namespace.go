package domain

import (
	"fmt"
	"strings"
)

// DefaultNamespace scopes documents and chunks when no namespace is configured.
const DefaultNamespace Namespace = "rag/documents"

const namespaceSep = "/"

// Namespace is a path-like tag such as "rag/documents".
type Namespace string

// ParseNamespace trims and validates a namespace. Segments must be non-empty.
func ParseNamespace(s string) (Namespace, error) {
	s = strings.Trim(strings.TrimSpace(s), namespaceSep)
	if s == "" {
		return "", fmt.Errorf("%w: namespace is empty", ErrInvalidInput)
	}
	for _, seg := range strings.Split(s, namespaceSep) {
		if strings.TrimSpace(seg) == "" {
			return "", fmt.Errorf("%w: namespace %q has an empty segment", ErrInvalidInput, s)
		}
	}
	return Namespace(s), nil
}

// Segments returns the namespace path elements.
func (n Namespace) Segments() []string {
	if n == "" {
		return nil
	}
	return strings.Split(string(n), namespaceSep)
}

// Contains reports whether other equals n or lives below it.
// The empty namespace contains everything.
func (n Namespace) Contains(other Namespace) bool {
	if n == "" || n == other {
		return true
	}
	return strings.HasPrefix(string(other), string(n)+namespaceSep)
}

// Truncate keeps at most depth leading segments.
func (n Namespace) Truncate(depth int) Namespace {
	if depth <= 0 {
		return n
	}
	segs := n.Segments()
	if len(segs) <= depth {
		return n
	}
	return Namespace(strings.Join(segs[:depth], namespaceSep))
}

// LikePattern returns the SQL LIKE pattern matching namespaces below n.
func (n Namespace) LikePattern() string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(string(n)) + namespaceSep + "%"
}

func (n Namespace) String() string { return string(n) }

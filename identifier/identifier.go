// Package identifier implements the broker's canonical namespaced addressing
// primitive: namespace:path/segments.
package identifier

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// namespacePattern is the namespace grammar (\.[^/:.]|[\w-])+: word
	// characters and hyphens, where every '.' is followed by a character
	// other than '/', ':' or '.'.
	namespacePattern = regexp.MustCompile(`^(\.[^/:.]|[\w-])+$`)
	segmentPattern   = regexp.MustCompile(`^[^/:.]+$`)
)

var (
	ErrInvalidNamespace = errors.New("identifier: invalid namespace")
	ErrEmptyPath        = errors.New("identifier: path must have at least one segment")
	ErrInvalidSegment   = errors.New("identifier: invalid path segment")
	ErrInvalidKey       = errors.New("identifier: malformed key")
)

// Identifier is an immutable, hashable namespace:path/segments address.
//
// Namespace is a reverse-DNS-like string; Path is a non-empty sequence of
// segments. The canonical on-wire form is "namespace:seg1/seg2/...".
type Identifier struct {
	namespace string
	path      []string
}

// New validates namespace and path and constructs an Identifier.
func New(namespace string, path ...string) (Identifier, error) {
	if !namespacePattern.MatchString(namespace) {
		return Identifier{}, fmt.Errorf("%w: %q", ErrInvalidNamespace, namespace)
	}
	if len(path) == 0 {
		return Identifier{}, ErrEmptyPath
	}
	segs := make([]string, len(path))
	for i, s := range path {
		if !segmentPattern.MatchString(s) {
			return Identifier{}, fmt.Errorf("%w: %q", ErrInvalidSegment, s)
		}
		segs[i] = s
	}
	return Identifier{namespace: namespace, path: segs}, nil
}

// MustNew is like New but panics on error; intended for static identifiers
// declared at package init time.
func MustNew(namespace string, path ...string) Identifier {
	id, err := New(namespace, path...)
	if err != nil {
		panic(err)
	}
	return id
}

// Parse decodes a canonical "namespace:seg1/seg2/..." key.
func Parse(key string) (Identifier, error) {
	ns, rest, ok := strings.Cut(key, ":")
	if !ok || rest == "" {
		return Identifier{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return New(ns, strings.Split(rest, "/")...)
}

// FromURL derives a namespace from a URL's reversed netloc (host labels
// reversed, e.g. "sub.example.com" -> "com.example.sub") and a path from its
// URL path segments.
func FromURL(raw string) (Identifier, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Identifier{}, err
	}
	host := u.Hostname()
	if host == "" {
		return Identifier{}, fmt.Errorf("%w: missing host in %q", ErrInvalidKey, raw)
	}
	labels := strings.Split(host, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	ns := strings.Join(labels, ".")

	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) == 1 && segs[0] == "" {
		segs = []string{"index"}
	}
	return New(ns, segs...)
}

// Namespace returns the identifier's namespace.
func (id Identifier) Namespace() string { return id.namespace }

// Path returns a copy of the identifier's path segments.
func (id Identifier) Path() []string {
	out := make([]string, len(id.path))
	copy(out, id.path)
	return out
}

// Key returns the canonical "namespace:seg1/seg2/..." string form.
func (id Identifier) Key() string {
	return id.namespace + ":" + strings.Join(id.path, "/")
}

// String implements fmt.Stringer.
func (id Identifier) String() string { return id.Key() }

// Join appends additional path segments, returning a new Identifier.
func (id Identifier) Join(segments ...string) (Identifier, error) {
	return New(id.namespace, append(append([]string{}, id.path...), segments...)...)
}

// IsSubpathOf reports whether id is equal to or nested under other: same
// namespace, and other's path is a prefix of id's path.
func (id Identifier) IsSubpathOf(other Identifier) bool {
	if id.namespace != other.namespace {
		return false
	}
	if len(other.path) > len(id.path) {
		return false
	}
	for i, seg := range other.path {
		if id.path[i] != seg {
			return false
		}
	}
	return true
}

// Equal reports whether id and other have the same namespace and path.
func (id Identifier) Equal(other Identifier) bool {
	return id.Key() == other.Key()
}

// SanitizedPath returns a filesystem-safe relative path derived from the
// identifier, suitable for use under a data directory:
// "<namespace>/<seg1>/<seg2>/...".
func (id Identifier) SanitizedPath() string {
	parts := append([]string{sanitizeComponent(id.namespace)}, id.path...)
	for i, p := range parts[1:] {
		parts[i+1] = sanitizeComponent(p)
	}
	return strings.Join(parts, "/")
}

func sanitizeComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler so Identifier can be used
// directly as a JSON object key or value.
func (id Identifier) MarshalText() ([]byte, error) {
	return []byte(id.Key()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identifier) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

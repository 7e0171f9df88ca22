package identifier

import "testing"

func TestParseAndKey(t *testing.T) {
	id, err := Parse("test.a:x/echo")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.Namespace() != "test.a" {
		t.Fatalf("namespace = %q", id.Namespace())
	}
	if got, want := id.Key(), "test.a:x/echo"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{"", "noColon", "bad ns:x", "test.a:", "test.a:x/"}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) expected error", c)
		}
	}
}

func TestIsSubpathOf(t *testing.T) {
	parent := MustNew("test.a", "x")
	child := MustNew("test.a", "x", "echo")
	other := MustNew("test.b", "x", "echo")

	if !child.IsSubpathOf(parent) {
		t.Error("expected child to be subpath of parent")
	}
	if !parent.IsSubpathOf(parent) {
		t.Error("expected identifier to be subpath of itself")
	}
	if child.IsSubpathOf(other) {
		t.Error("expected different namespace to not be subpath")
	}
	if parent.IsSubpathOf(child) {
		t.Error("expected parent to not be subpath of child")
	}
}

func TestJoin(t *testing.T) {
	base := MustNew("test.a", "x")
	joined, err := base.Join("echo")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if got, want := joined.Key(), "test.a:x/echo"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
	// Join must not mutate the receiver's backing array.
	if got, want := base.Key(), "test.a:x"; got != want {
		t.Fatalf("base mutated: Key() = %q, want %q", got, want)
	}
}

func TestFromURL(t *testing.T) {
	id, err := FromURL("https://chat.example.com/rooms/1")
	if err != nil {
		t.Fatalf("FromURL: %v", err)
	}
	if got, want := id.Namespace(), "com.example.chat"; got != want {
		t.Fatalf("namespace = %q, want %q", got, want)
	}
	if got, want := id.Key(), "com.example.chat:rooms/1"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
}

func TestSanitizedPath(t *testing.T) {
	id := MustNew("test.a", "x", "y z")
	if got := id.SanitizedPath(); got != "test.a/x/y_z" {
		t.Fatalf("SanitizedPath() = %q", got)
	}
}

func TestEqual(t *testing.T) {
	a := MustNew("test.a", "x")
	b := MustNew("test.a", "x")
	c := MustNew("test.a", "y")
	if !a.Equal(b) {
		t.Error("expected equal")
	}
	if a.Equal(c) {
		t.Error("expected not equal")
	}
}

package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestPutOpenExists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := New(t.TempDir(), "https://cdn.example.com/files/")
	if err != nil {
		t.Fatal(err)
	}
	loc, err := s.Put(ctx, "renders", ".png", strings.NewReader("PNG"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(loc, "renders/") || !strings.HasSuffix(loc, ".png") {
		t.Fatalf("locator = %q", loc)
	}
	if ok, err := s.Exists(ctx, loc); err != nil || !ok {
		t.Fatalf("exists: ok=%v err=%v", ok, err)
	}
	rc, err := s.Open(ctx, loc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "PNG" {
		t.Fatalf("content = %q", b)
	}
	if got := s.URL(loc); got != "https://cdn.example.com/files/"+loc {
		t.Fatalf("url = %q", got)
	}
	if ok, _ := s.Exists(ctx, "renders/missing.png"); ok {
		t.Fatal("missing locator reported as existing")
	}
}

func TestLocatorsStayInsideRoot(t *testing.T) {
	t.Parallel()
	s, _ := New(t.TempDir(), "")
	if _, err := s.Open(context.Background(), ""); !errors.Is(err, ErrInvalidLocator) {
		t.Fatalf("empty locator err = %v", err)
	}
	p, err := s.path("../../etc/passwd")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(p, s.root) {
		t.Fatalf("path %q escapes root %q", p, s.root)
	}
	if s.URL("renders/a.png") != "" {
		t.Fatal("unserved store has no public url")
	}
}

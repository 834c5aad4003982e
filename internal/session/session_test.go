package session

import (
	"errors"
	"testing"

	"github.com/jkaninda/cloudrelay/internal/protocol"
)

func TestNew_Unique(t *testing.T) {
	n := 1_000_000
	if testing.Short() {
		n = 10_000
	}
	seen := make(map[ID]struct{}, n)
	for i := 0; i < n; i++ {
		id := New()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate identifier after %d samples: %s", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestNew_ConsecutiveDiffer(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatalf("consecutive identifiers are equal: %s", a)
	}
}

func TestNew_Shape(t *testing.T) {
	id := New()
	if !id.IsGenerated() {
		t.Errorf("IsGenerated(%s) = false", id)
	}
	if len(id.String()) != 36 {
		t.Errorf("len = %d, want 36", len(id.String()))
	}
	if _, err := Parse(id.String()); err != nil {
		t.Errorf("Parse(New()) = %v", err)
	}
}

func TestParse(t *testing.T) {
	id, err := Parse("abc")
	if err != nil {
		t.Fatalf("Parse(abc): %v", err)
	}
	if id.IsGenerated() {
		t.Error("abc should not look generated")
	}
	if _, err := Parse(""); !errors.Is(err, protocol.ErrInvalidSession) {
		t.Errorf("Parse(\"\") = %v, want ErrInvalidSession", err)
	}
}

func TestMustParse_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustParse(\"\") did not panic")
		}
	}()
	MustParse("")
}

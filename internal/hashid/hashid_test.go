package hashid

import (
	"errors"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	c, err := New("test-salt", 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, id := range []uint{1, 42, 987654} {
		enc := c.Encode(id)
		if len(enc) < 10 {
			t.Fatalf("Encode(%d) = %q, shorter than min length", id, enc)
		}
		got, err := c.Decode(enc)
		if err != nil || got != id {
			t.Fatalf("Decode(%q) = %d, %v; want %d", enc, got, err, id)
		}
	}
}

func TestCodecRejectsGarbage(t *testing.T) {
	c, _ := New("test-salt", 10)
	other, _ := New("other-salt", 10)

	for _, s := range []string{"", "!!!", other.Encode(5)} {
		if _, err := c.Decode(s); !errors.Is(err, ErrInvalid) {
			t.Errorf("Decode(%q) err = %v, want ErrInvalid", s, err)
		}
	}
	if _, err := c.DecodeAll([]string{c.Encode(1), "nope"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("DecodeAll err = %v, want ErrInvalid", err)
	}
}

package codec

import (
	"bytes"
	"strings"
	"testing"
)

func TestCodecs(t *testing.T) {
	payload := []byte(strings.Repeat("vcdb value payload ", 64))

	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			c, err := Lookup(name)
			if err != nil {
				t.Fatalf("Lookup(%s): %v", name, err)
			}
			if c.Name() != name {
				t.Errorf("Name: want %s, got %s", name, c.Name())
			}

			enc, err := c.Encode(payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if name != None && len(enc) >= len(payload) {
				t.Errorf("%s did not shrink a repetitive payload: %d >= %d", name, len(enc), len(payload))
			}

			dec, err := c.Decode(enc)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(dec, payload) {
				t.Errorf("%s round trip mismatch", name)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	c, err := Lookup("")
	if err != nil || c.Name() != None {
		t.Errorf("empty name should select none, got %v %v", c, err)
	}
	if _, err := Lookup("brotli"); err == nil {
		t.Errorf("unknown codec should fail")
	}
	if got := len(Names()); got != 4 {
		t.Errorf("Names: want 4, got %d", got)
	}
}

func TestDecodeGarbage(t *testing.T) {
	for _, name := range []string{Snappy, Zstd} {
		c, _ := Lookup(name)
		if _, err := c.Decode([]byte{0xff, 0xfe, 0xfd, 0xfc, 0xfb}); err == nil {
			t.Errorf("%s decoded garbage without error", name)
		}
	}
}

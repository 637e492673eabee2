package kv

import "testing"

func TestParseConn(t *testing.T) {
	c, err := ParseConn("data/users.wal?sync=off&codec=zstd")
	if err != nil {
		t.Fatalf("ParseConn: %v", err)
	}
	if c.Name != "data/users.wal" {
		t.Errorf("Name: got %q", c.Name)
	}
	if c.Bool("sync", true) || !c.Bool("missing", true) {
		t.Errorf("Bool: sync should be off and missing should default")
	}
	cd, err := c.Codec()
	if err != nil || cd == nil || cd.Name() != "zstd" {
		t.Errorf("Codec: got %v, %v", cd, err)
	}

	plain, _ := ParseConn("plain")
	if cd, err := plain.Codec(); cd != nil || err != nil {
		t.Errorf("no codec option: got %v, %v", cd, err)
	}

	for _, bad := range []string{"", "?codec=zstd", "n?%zz"} {
		if _, err := ParseConn(bad); err == nil {
			t.Errorf("ParseConn(%q) should fail", bad)
		}
	}
	c, _ = ParseConn("n?codec=gzip")
	if _, err := c.Codec(); err == nil {
		t.Errorf("unknown codec accepted")
	}
}

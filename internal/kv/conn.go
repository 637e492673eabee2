package kv

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/myuser/vcdb/internal/codec"
)

// Conn is a parsed connection string of the form name[?key=value&...].
type Conn struct {
	Name    string
	Options url.Values
}

// ParseConn splits a connection string into its name and options.
func ParseConn(s string) (Conn, error) {
	name, query, _ := strings.Cut(s, "?")
	if name == "" {
		return Conn{}, fmt.Errorf("kv: empty connection name in %q", s)
	}
	opts, err := url.ParseQuery(query)
	if err != nil {
		return Conn{}, fmt.Errorf("kv: bad connection options in %q: %w", s, err)
	}
	return Conn{Name: name, Options: opts}, nil
}

// Codec returns the value codec selected by the "codec" option, or nil
// when values are stored uncompressed.
func (c Conn) Codec() (codec.Codec, error) {
	name := c.Options.Get("codec")
	if name == "" || name == codec.None {
		return nil, nil
	}
	return codec.Lookup(name)
}

// Bool reads a boolean option, returning def when it is absent.
func (c Conn) Bool(key string, def bool) bool {
	switch strings.ToLower(c.Options.Get(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

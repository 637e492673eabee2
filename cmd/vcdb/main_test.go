package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testConfig = `
engine: memory
log:
  level: error
datastores:
  - name: users
    key: id
    codec: lz4
    indexes:
      - name: users_by_email
        field: email
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vcdb.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEnginesCmd(t *testing.T) {
	out, err := run(t, "engines")
	if err != nil {
		t.Fatalf("engines: %v", err)
	}
	for _, name := range []string{"memory", "wal", "sqlite", "raft"} {
		if !strings.Contains(out, name+"\n") {
			t.Errorf("engines output %q lacks %s", out, name)
		}
	}
}

func TestLifecycleCmds(t *testing.T) {
	cfg := writeConfig(t)
	conn := "--conn=" + t.Name()

	if out, err := run(t, "-c", cfg, conn, "create"); err != nil || !strings.Contains(out, "1 datastores") {
		t.Fatalf("create: %q, %v", out, err)
	}
	if _, err := run(t, "-c", cfg, conn, "create"); err == nil {
		t.Errorf("second create succeeded")
	}

	out, err := run(t, "-c", cfg, conn, "exec", "INSERT INTO users (id, email) VALUES ('1', 'a@x')")
	if err != nil || !strings.Contains(out, "1 affected") {
		t.Fatalf("exec insert: %q, %v", out, err)
	}
	out, err = run(t, "-c", cfg, conn, "exec", "SELECT id FROM users WHERE email = 'a@x'")
	if err != nil || !strings.Contains(out, "(1 rows)") {
		t.Errorf("exec select: %q, %v", out, err)
	}
	if _, err := run(t, "-c", cfg, conn, "exec", "SELECT id FROM nope WHERE id = '1'"); err == nil {
		t.Errorf("exec on a missing table succeeded")
	}

	if _, err := run(t, "-c", cfg, conn, "delete"); err != nil {
		t.Errorf("delete: %v", err)
	}
	if _, err := run(t, "-c", cfg, conn, "delete"); err == nil {
		t.Errorf("second delete succeeded")
	}
	if _, err := run(t, "--engine=nope", "engines"); err != nil {
		t.Errorf("engines should not load the configuration: %v", err)
	}
	if _, err := run(t, "--engine=nope", "create"); err == nil {
		t.Errorf("create with an unknown engine succeeded")
	}
}

func newTestSession(t *testing.T) *session {
	t.Helper()
	configPath, engineName, connection = writeConfig(t), "", t.Name()
	t.Cleanup(func() { configPath, connection = "", "" })
	s, err := newSession()
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	t.Cleanup(s.close)
	return s
}

func TestShell(t *testing.T) {
	s := newTestSession(t)
	db, err := s.openOrCreate()
	if err != nil {
		t.Fatalf("openOrCreate: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		s.builder.DeleteDatabase()
	})

	in := strings.NewReader(`.tables
INSERT INTO users (id, email)
  VALUES ('7', 'g@x');
SELECT * FROM users WHERE id = '7';
SELECT * FROM users WHERE age = '1';
.quit
SELECT * FROM users WHERE id = '7';
`)
	var out bytes.Buffer
	e := newExecutorFor(s, db)
	if err := shell(context.Background(), e, s.schema.Tables(), in, &out); err != nil {
		t.Fatalf("shell: %v", err)
	}
	got := out.String()
	for _, want := range []string{"users\n", "  ... ", "1 affected", "g@x", "error: ", "(1 rows)"} {
		if !strings.Contains(got, want) {
			t.Errorf("shell output %q lacks %q", got, want)
		}
	}
	if strings.Count(got, "(1 rows)") != 1 {
		t.Errorf("statements after .quit ran: %q", got)
	}
}

func TestExecuteHandler(t *testing.T) {
	s := newTestSession(t)
	db, err := s.openOrCreate()
	if err != nil {
		t.Fatalf("openOrCreate: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		s.builder.DeleteDatabase()
	})

	srv := httptest.NewServer(executeHandler(newExecutorFor(s, db), slog.Default()))
	defer srv.Close()

	post := func(body string) (int, executeResponse) {
		resp, err := http.Post(srv.URL, "text/plain", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		var r executeResponse
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp.StatusCode, r
	}

	code, r := post("INSERT INTO users (id, email) VALUES ('1', 'a@x')")
	if code != http.StatusOK || len(r.Results) != 1 || r.Results[0].Affected != 1 {
		t.Fatalf("insert: %d %+v", code, r)
	}
	code, r = post("SELECT email FROM users WHERE id = '1'")
	if code != http.StatusOK || len(r.Results) != 1 || len(r.Results[0].Rows) != 1 {
		t.Fatalf("select: %d %+v", code, r)
	}
	if got := r.Results[0].Rows[0][0]; got != "a@x" {
		t.Errorf("select: want a@x, got %s", got)
	}

	// reads in a batch see what was committed before it
	code, r = post("INSERT INTO users (id, email) VALUES ('2', 'b@x'); SELECT email FROM users WHERE id = '2'")
	if code != http.StatusOK || len(r.Results) != 2 || len(r.Results[1].Rows) != 0 {
		t.Errorf("same-batch select: %d %+v", code, r)
	}

	for _, bad := range []string{"SELEKT", "SELECT * FROM users", "SELECT * FROM t WHERE id = '1'", "INSERT INTO users (email) VALUES ('x')"} {
		if code, r := post(bad); code != http.StatusBadRequest || r.Error == "" {
			t.Errorf("%s: want 400 with an error, got %d %+v", bad, code, r)
		}
	}

	resp, err := http.Get(srv.URL + "?sql=" + "SELECT+id+FROM+users+WHERE+email+%3D+%27a%40x%27")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("query parameter: got %d", resp.StatusCode)
	}
}

func TestBench(t *testing.T) {
	s := newTestSession(t)
	db, err := s.openOrCreate()
	if err != nil {
		t.Fatalf("openOrCreate: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		s.builder.DeleteDatabase()
	})

	srv := httptest.NewServer(executeHandler(newExecutorFor(s, db), slog.Default()))
	defer srv.Close()

	var log bytes.Buffer
	r := bench(context.Background(), benchOptions{
		target:      srv.URL,
		concurrency: 2,
		duration:    200 * time.Millisecond,
		table:       "users",
		key:         "id",
		keys:        50,
	}, &log)
	if r.ops == 0 || r.errors != 0 {
		t.Errorf("bench: %d ops, %d errors, log %q", r.ops, r.errors, log.String())
	}
}

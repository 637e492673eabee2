package replicated

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/myuser/vcdb"
	"github.com/myuser/vcdb/internal/kv"
	"github.com/myuser/vcdb/internal/vcdbtest"
)

func singleNode(t *testing.T) string {
	return filepath.Join(t.TempDir(), "raft.wal") + "?id=1&tick=10ms"
}

func TestRaftEngine(t *testing.T) {
	vcdbtest.RunEngineSuite(t, EngineName, singleNode)
}

func TestRaftEngine_Compressed(t *testing.T) {
	vcdbtest.RunEngineSuite(t, EngineName, func(t *testing.T) string {
		return singleNode(t) + "&codec=snappy&snapshot=2"
	})
}

func TestParseOptions(t *testing.T) {
	conn, _ := kv.ParseConn("n.wal?id=2&peer=1=http://a&peer=2=http://b&timeout=1s&tick=20ms&snapshot=10")
	o, err := parseOptions(conn)
	if err != nil {
		t.Fatalf("parseOptions: %v", err)
	}
	if o.id != 2 || len(o.peers) != 2 || o.timeout != time.Second || o.tick != 20*time.Millisecond || o.snapshot != 10 {
		t.Errorf("parseOptions: got %+v", o)
	}
	if v := o.voters(); len(v) != 2 || v[0] != 1 || v[1] != 2 {
		t.Errorf("voters: got %v", v)
	}

	for _, bad := range []string{
		"n.wal?id=0",
		"n.wal?id=3&peer=1=http://a",
		"n.wal?peer=nope",
		"n.wal?timeout=soon",
	} {
		conn, _ := kv.ParseConn(bad)
		if _, err := parseOptions(conn); err == nil {
			t.Errorf("parseOptions(%s) should fail", bad)
		}
	}
}

func TestRaftEngine_DeleteWhileOpen(t *testing.T) {
	f := vcdbtest.NewFixture(t, EngineName, singleNode(t))
	db, err := f.Builder.Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer db.Close()

	other := vcdbtest.NewFixture(t, EngineName, f.Builder.ConnectionString())
	if err := other.Builder.DeleteDatabase(); !errors.Is(err, ErrOpen) {
		t.Errorf("DeleteDatabase on a running node: want ErrOpen, got %v", err)
	}
}

func TestRaftEngine_ThreeNodes(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/raft", Handler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	ids := []uint64{11, 12, 13}

	peers := url.Values{}
	for _, id := range ids {
		peers.Add("peer", fmt.Sprintf("%d=%s", id, srv.URL))
	}

	var fixtures []*vcdbtest.Fixture
	var dbs []*vcdb.Database
	for _, id := range ids {
		conn := fmt.Sprintf("%s?id=%d&tick=10ms&timeout=10s&%s", filepath.Join(dir, fmt.Sprintf("n%d.wal", id)), id, peers.Encode())
		f := vcdbtest.NewFixture(t, EngineName, conn)
		db, err := f.Builder.Create()
		if err != nil {
			t.Fatalf("Create node %d: %v", id, err)
		}
		defer db.Close()
		fixtures = append(fixtures, f)
		dbs = append(dbs, db)
	}

	// writes through any member are forwarded to the leader
	fixtures[1].Put(t, dbs[1], &vcdbtest.User{ID: "alice", Email: "alice@example.com"})

	for i, f := range fixtures {
		deadline := time.Now().Add(10 * time.Second)
		for {
			u, err := f.GetByEmail(dbs[i], "alice@example.com")
			if err == nil {
				if u.ID != "alice" {
					t.Errorf("node %d: want alice, got %s", ids[i], u.ID)
				}
				break
			}
			if !errors.Is(err, vcdb.ErrValueNotFound) || time.Now().After(deadline) {
				t.Fatalf("node %d never applied the write: %v", ids[i], err)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	leader, ok := Leader(dbs[0])
	if !ok || leader == 0 {
		t.Errorf("Leader: got %d %v", leader, ok)
	}
}

func TestRaftEngine_ReopenServesCommittedWrites(t *testing.T) {
	for _, conn := range []string{singleNode(t), singleNode(t) + "&snapshot=2"} {
		f := vcdbtest.NewFixture(t, EngineName, conn)
		db, err := f.Builder.Create()
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids := []string{"a", "b", "c", "d", "e"}
		for _, id := range ids {
			f.Put(t, db, &vcdbtest.User{ID: id, Email: id + "@example.com"})
		}
		db.Close()

		for round := 0; round < 2; round++ {
			db, err := f.Builder.Open()
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			// no waiting: Open returns only once the log is replayed
			for _, id := range ids {
				if u, err := f.Get(db, id); err != nil || u.ID != id {
					t.Errorf("%s round %d: Get(%s) = %v, %v", conn, round, id, u, err)
				}
			}
			db.Close()
		}
	}
}

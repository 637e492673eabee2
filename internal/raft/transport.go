package raft

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// HTTPTransport posts raft messages to peers at <url>/raft.
type HTTPTransport struct {
	mu     sync.RWMutex
	peers  map[uint64]string // ID -> URL (http://ip:port)
	client *http.Client
	logger *slog.Logger
}

func NewHTTPTransport(logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		peers:  make(map[uint64]string),
		client: &http.Client{Timeout: 500 * time.Millisecond},
		logger: logger,
	}
}

// ParsePeer parses "ID=URL".
func ParsePeer(s string) (uint64, string, error) {
	id, url, ok := strings.Cut(s, "=")
	if !ok || url == "" {
		return 0, "", fmt.Errorf("raft: peer %q is not ID=URL", s)
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || n == 0 {
		return 0, "", fmt.Errorf("raft: bad peer id in %q", s)
	}
	return n, strings.TrimSuffix(url, "/"), nil
}

func (t *HTTPTransport) AddPeer(id uint64, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = url
}

func (t *HTTPTransport) Peers() map[uint64]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[uint64]string, len(t.peers))
	for id, url := range t.peers {
		out[id] = url
	}
	return out
}

// Send delivers msgs asynchronously so a slow peer never blocks the raft
// loop. Delivery failures are left to raft's retransmission.
func (t *HTTPTransport) Send(msgs []raftpb.Message) {
	for _, msg := range msgs {
		t.mu.RLock()
		url, ok := t.peers[msg.To]
		t.mu.RUnlock()
		if !ok {
			continue
		}

		data, err := msg.Marshal()
		if err != nil {
			t.logger.Warn("marshal raft message", "to", msg.To, "err", err)
			continue
		}

		go func(to uint64, url string, data []byte) {
			resp, err := t.client.Post(url+"/raft", "application/octet-stream", bytes.NewReader(data))
			if err != nil {
				t.logger.Debug("raft send failed", "to", to, "err", err)
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}(msg.To, url, data)
	}
}

// Stepper receives raft messages addressed to a node.
type Stepper interface {
	Step(msg raftpb.Message) error
}

// Handler decodes posted raft messages and hands them to s.
func Handler(s Stepper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}

		var msg raftpb.Message
		if err := msg.Unmarshal(data); err != nil {
			http.Error(w, "Invalid protobuf", http.StatusBadRequest)
			return
		}

		if err := s.Step(msg); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

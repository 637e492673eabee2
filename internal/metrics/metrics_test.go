package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestCounters(t *testing.T) {
	Inc("test_a")
	Inc("test_a")
	Add("test_b", 5)

	if got := Get("test_a"); got != 2 {
		t.Errorf("test_a: want 2, got %d", got)
	}
	if got := Get("test_missing"); got != 0 {
		t.Errorf("missing counter: want 0, got %d", got)
	}

	snap := Snapshot()
	if snap["test_b"] != 5 {
		t.Errorf("snapshot test_b: want 5, got %d", snap["test_b"])
	}

	names := Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("Names not sorted: %v", names)
		}
	}

	Reset()
	if got := Get("test_a"); got != 0 {
		t.Errorf("after Reset: want 0, got %d", got)
	}
}

func TestHandler(t *testing.T) {
	Add("test_handler", 3)

	rec := httptest.NewRecorder()
	Handler(rec, httptest.NewRequest("GET", "/metrics", nil))

	var body map[string]int64
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body["test_handler"] != 3 {
		t.Errorf("test_handler: want 3, got %d", body["test_handler"])
	}
}

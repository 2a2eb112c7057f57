package wal

import (
	"testing"

	"github.com/vectorha/proxy/internal/store"
)

func TestBoundByBytesKeepsAtLeastOneEntry(t *testing.T) {
	entries := []store.WALEntry{
		{WriteID: "a", Body: make([]byte, maxBatchBytes+1)},
		{WriteID: "b", Body: []byte("small")},
	}
	got := boundByBytes(entries, maxBatchBytes)
	if len(got) != 1 {
		t.Fatalf("expected first oversized entry kept alone, got %d entries", len(got))
	}
}

func TestBoundByBytesStopsAtLimit(t *testing.T) {
	entries := []store.WALEntry{
		{WriteID: "a", Body: make([]byte, 10)},
		{WriteID: "b", Body: make([]byte, 10)},
		{WriteID: "c", Body: make([]byte, 10)},
	}
	got := boundByBytes(entries, 15)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry within byte limit, got %d", len(got))
	}
}

func TestExtractDocumentIDs(t *testing.T) {
	body := []byte(`{"metadatas": [{"document_id": "doc-1"}, {"document_id": "doc-2"}, {}]}`)
	ids := extractDocumentIDs(body)
	if len(ids) != 2 || ids[0] != "doc-1" || ids[1] != "doc-2" {
		t.Fatalf("got %v, want [doc-1 doc-2]", ids)
	}
}

func TestHeadersRoundTrip(t *testing.T) {
	h := map[string][]string{"Content-Type": {"application/json"}}
	m := headersToJSONMap(h)
	back := headersFromJSONMap(m)
	if len(back["Content-Type"]) != 1 || back["Content-Type"][0] != "application/json" {
		t.Fatalf("headers did not round-trip: %v", back)
	}
}

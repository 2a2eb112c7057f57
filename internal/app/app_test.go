package app

import (
	"encoding/json"
	"testing"

	"github.com/vectorha/proxy/internal/instance"
)

func TestOtherSide(t *testing.T) {
	if otherSide(instance.Primary) != instance.Replica {
		t.Fatalf("expected replica as the other side of primary")
	}
	if otherSide(instance.Replica) != instance.Primary {
		t.Fatalf("expected primary as the other side of replica")
	}
}

func TestFindCollectionMetadata(t *testing.T) {
	body := []byte(`[{"name":"widgets","id":"abc"},{"name":"gadgets","id":"def"}]`)
	found, metadata := findCollectionMetadata(body, "gadgets")
	if !found {
		t.Fatalf("expected to find gadgets")
	}
	if metadata["id"] != "def" {
		t.Fatalf("expected id def, got %v", metadata["id"])
	}

	found, _ = findCollectionMetadata(body, "missing")
	if found {
		t.Fatalf("expected missing collection not to be found")
	}
}

func TestBuildCreatePayload(t *testing.T) {
	raw := buildCreatePayload("widgets", map[string]interface{}{"metadata": map[string]interface{}{"hnsw:space": "cosine"}})
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded["name"] != "widgets" {
		t.Fatalf("expected name widgets, got %v", decoded["name"])
	}
	if decoded["get_or_create"] != true {
		t.Fatalf("expected get_or_create true")
	}
	if decoded["metadata"] == nil {
		t.Fatalf("expected metadata to be carried through")
	}
}

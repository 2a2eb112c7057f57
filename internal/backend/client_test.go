package backend

import "testing"

func TestNormalizePathLegacyCollectionSubresource(t *testing.T) {
	got := NormalizePath("/api/v1/collections/abc-123/add")
	want := v2Base + "/collections/abc-123/add"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNormalizePathLegacyCollectionRoot(t *testing.T) {
	got := NormalizePath("/api/v1/collections/abc-123")
	want := v2Base + "/collections/abc-123"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNormalizePathLegacyNonCollection(t *testing.T) {
	got := NormalizePath("/api/v1/heartbeat")
	want := v2Base + "/heartbeat"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNormalizePathAlreadyV2(t *testing.T) {
	path := v2Base + "/collections/abc-123"
	if got := NormalizePath(path); got != path {
		t.Fatalf("expected v2 path unchanged, got %q", got)
	}
}

func TestExtractCollectionID(t *testing.T) {
	path := v2Base + "/collections/abc-123/query"
	id, ok := ExtractCollectionID(path)
	if !ok || id != "abc-123" {
		t.Fatalf("got id=%q ok=%v, want abc-123/true", id, ok)
	}
}

func TestExtractCollectionIDAbsent(t *testing.T) {
	if _, ok := ExtractCollectionID(v2Base + "/heartbeat"); ok {
		t.Fatalf("expected no collection id in heartbeat path")
	}
}

func TestResponseField(t *testing.T) {
	body := []byte(`{"id": "abc-123", "name": "widgets"}`)
	id, ok := ResponseField(body, "id")
	if !ok || id != "abc-123" {
		t.Fatalf("got id=%q ok=%v", id, ok)
	}
	if _, ok := ResponseField(body, "missing"); ok {
		t.Fatalf("expected missing field to report ok=false")
	}
}

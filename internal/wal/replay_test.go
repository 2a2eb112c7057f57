package wal

import "testing"

func TestClassifyResult(t *testing.T) {
	cases := []struct {
		status int
		method string
		delete bool
		want   bool
	}{
		{200, "POST", false, true},
		{204, "DELETE", false, true},
		{404, "DELETE", false, true},
		{409, "POST", false, true},
		{500, "POST", false, false},
		{404, "POST", false, false},
	}
	for _, c := range cases {
		if got := classifyResult(c.status, c.method, c.delete); got != c.want {
			t.Fatalf("classifyResult(%d,%q,%v) = %v, want %v", c.status, c.method, c.delete, got, c.want)
		}
	}
}

func TestSubstituteCollectionSegment(t *testing.T) {
	path := "/api/v2/tenants/default_tenant/databases/default_database/collections/widgets/add"
	got := substituteCollectionSegment(path, "uuid-123")
	want := "/api/v2/tenants/default_tenant/databases/default_database/collections/uuid-123/add"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSubstituteCollectionSegmentNoTrailingSegment(t *testing.T) {
	path := "/api/v2/tenants/default_tenant/databases/default_database/collections/widgets"
	got := substituteCollectionSegment(path, "uuid-123")
	want := "/api/v2/tenants/default_tenant/databases/default_database/collections/uuid-123"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFindUUIDByName(t *testing.T) {
	body := []byte(`[{"id":"uuid-1","name":"widgets"},{"id":"uuid-2","name":"gadgets"}]`)
	if got := findUUIDByName(body, "gadgets"); got != "uuid-2" {
		t.Fatalf("got %q, want uuid-2", got)
	}
	if got := findUUIDByName(body, "missing"); got != "" {
		t.Fatalf("expected empty for missing name, got %q", got)
	}
}

func TestLooksLikeCollectionPath(t *testing.T) {
	if !looksLikeCollectionPath("/api/v2/.../collections/widgets") {
		t.Fatalf("expected collection root path to match")
	}
	if looksLikeCollectionPath("/api/v2/.../collections/widgets/add") {
		t.Fatalf("expected sub-resource path not to match")
	}
}

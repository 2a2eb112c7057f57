package txlog

import "testing"

func TestClassifyOperation(t *testing.T) {
	cases := []struct {
		method, path, want string
	}{
		{"POST", "/api/v2/.../collections/abc/add", "add"},
		{"POST", "/api/v2/.../collections/abc/query", "query"},
		{"DELETE", "/api/v2/.../collections/abc", "delete"},
		{"POST", "/api/v2/.../collections", "collection_post"},
		{"GET", "/api/v2/.../heartbeat", "get"},
	}
	for _, c := range cases {
		if got := classifyOperation(c.method, c.path); got != c.want {
			t.Fatalf("classifyOperation(%q,%q) = %q, want %q", c.method, c.path, got, c.want)
		}
	}
}

func TestNullable(t *testing.T) {
	if v := nullable(""); v.Valid {
		t.Fatalf("expected empty string to be invalid null, got %+v", v)
	}
	if v := nullable("abc"); !v.Valid || v.String != "abc" {
		t.Fatalf("expected valid non-empty string, got %+v", v)
	}
}

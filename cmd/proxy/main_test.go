package main

import (
	"reflect"
	"testing"
)

func TestFlagArgsOnlyIncludesSetFlags(t *testing.T) {
	got := flagArgs("", "", "", "")
	if len(got) != 0 {
		t.Fatalf("expected no args when nothing is set, got %v", got)
	}

	got = flagArgs("http://primary:8000", "", "postgres://db", "")
	want := []string{"-primary-url", "http://primary:8000", "-database-url", "postgres://db"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("flagArgs() = %v, want %v", got, want)
	}
}

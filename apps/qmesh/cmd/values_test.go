package cmd

import (
	"testing"

	"github.com/quatton/qmesh/pkg/qconf"
)

func TestParseValues(t *testing.T) {
	got, err := parseValues([]string{"decimationRatio=0.3", " bakeTextures = false", "name=a=b"})
	if err != nil {
		t.Fatalf("parseValues: %v", err)
	}
	want := qconf.Values{"decimationRatio": "0.3", "bakeTextures": "false", "name": "a=b"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}

	for _, bad := range []string{"novalue", "=1"} {
		if _, err := parseValues([]string{bad}); err == nil {
			t.Errorf("parseValues(%q) succeeded", bad)
		}
	}
}

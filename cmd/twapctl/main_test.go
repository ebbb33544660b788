package main

import (
	"bytes"
	"strings"
	"testing"
)

func runCapArgs(t *testing.T, args ...string) string {
	t.Helper()
	capWindows = 0

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"cap"}, args...))
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("cap %v: %v", args, err)
	}
	return out.String()
}

func TestCap_WindowsCountsExtraClosedWindows(t *testing.T) {
	cases := []struct {
		windows string
		want    string
	}{
		{"0", "capped=105.00"},
		{"1", "capped=110.00"},
	}

	for _, tc := range cases {
		got := runCapArgs(t, "--baseline", "100.00", "--price", "200.00", "--bps", "500", "--windows", tc.windows)
		if !strings.Contains(got, tc.want) {
			t.Errorf("--windows %s: got %q, want %s", tc.windows, got, tc.want)
		}
	}
}

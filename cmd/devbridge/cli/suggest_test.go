// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "push", 4},
		{"push", "push", 0},
		{"push", "pull", 2},
		{"kitten", "sitting", 3},
		{"statsu", "status", 2},
	}
	for _, test := range tests {
		if got := levenshtein(test.a, test.b); got != test.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
	}
}

func TestSuggestFlag(t *testing.T) {
	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flagSet.String("compression", "", "")
	flagSet.BoolP("json", "j", false, "")

	if got := suggestFlag([]string{"--compresion=lz4"}, flagSet); got != "--compression" {
		t.Errorf("suggestFlag = %q, want --compression", got)
	}
	if got := suggestFlag([]string{"-j", "--jsno"}, flagSet); got != "--json" {
		t.Errorf("suggestFlag = %q, want --json", got)
	}
	if got := suggestFlag([]string{"--entirely-different"}, flagSet); got != "" {
		t.Errorf("suggestFlag = %q, want no suggestion", got)
	}
}

package main

import (
	"strings"
	"testing"
)

// All commands must register flags, params and help without running, and
// render a usage line, so "dray help" and bad invocations work.
func TestCommandUsage(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range cmds {
		name := strings.Join(c.parts, " ")
		if seen[name] {
			t.Fatalf("duplicate command %q", name)
		}
		seen[name] = true

		c.probe()
		if u := c.usageText(); !strings.HasPrefix(u, "usage: dray "+name) {
			t.Fatalf("bad usage for command %q: %q", name, u)
		}
	}
}

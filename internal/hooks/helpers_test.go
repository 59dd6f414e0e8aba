package hooks

import (
	"context"
	"regexp"
	"testing"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	return context.Background()
}

func mustCompile(t *testing.T, pattern string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile(pattern)
	if err != nil {
		t.Fatalf("compile %q: %v", pattern, err)
	}
	return re
}

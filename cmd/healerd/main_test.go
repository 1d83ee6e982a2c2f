package main

import (
	"os"
	"testing"
)

func TestResolveConfigPathUsesFlagFirst(t *testing.T) {
	t.Setenv("HEALER_CONFIG", "/env/healer.yaml")
	if got := resolveConfigPath("/flag/healer.yaml"); got != "/flag/healer.yaml" {
		t.Errorf("expected flag value to win, got %q", got)
	}
}

func TestResolveConfigPathFallsBackToEnv(t *testing.T) {
	t.Setenv("HEALER_CONFIG", "/env/healer.yaml")
	if got := resolveConfigPath(""); got != "/env/healer.yaml" {
		t.Errorf("expected env value, got %q", got)
	}
}

func TestResolveConfigPathFallsBackToDefault(t *testing.T) {
	if err := os.Unsetenv("HEALER_CONFIG"); err != nil {
		t.Fatal(err)
	}
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Errorf("expected default path, got %q", got)
	}
}

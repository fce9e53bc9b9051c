//go:build linux

package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ledati16/drfw/pkg/elevation"
	"github.com/ledati16/drfw/pkg/enforcer"
	"github.com/ledati16/drfw/pkg/generator"
	"github.com/ledati16/drfw/pkg/rules"
)

func TestCheckInvokerHonoursVerifyElevate(t *testing.T) {
	bin := t.TempDir()
	sudo := filepath.Join(bin, "sudo")
	if err := os.WriteFile(sudo, []byte("#!/bin/sh\necho \"sudo $*\"\n"), 0o755); err != nil {
		t.Fatalf("write fake sudo: %v", err)
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	cfg := elevation.DefaultConfig()
	cfg.Method = elevation.MethodSudo
	cfg.Binary = "echo"
	cfg.WaitDelay = 100 * time.Millisecond
	inv := elevation.NewInvoker(cfg, elevation.SystemProbe())
	rs := rules.New()

	tests := []struct {
		name    string
		elevate bool
		method  elevation.Method
		argv    string
	}{
		{"unelevated", false, elevation.MethodDirect, "--json --check -f -"},
		// Runs after Direct to show the original invoker keeps its method.
		{"elevated", true, elevation.MethodSudo, "sudo echo --json --check -f -"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nftb := enforcer.NewNFT(meteredRunner{next: checkInvoker(inv, tt.elevate)})
			out, err := nftb.Check(context.Background(), generator.Generate(rs), 5*time.Second)
			if err != nil {
				t.Fatalf("Check() failed: %v", err)
			}
			if out.Method != tt.method {
				t.Fatalf("expected method %s, got %s", tt.method, out.Method)
			}
			if got := strings.TrimSpace(string(out.Stdout)); got != tt.argv {
				t.Fatalf("expected argv %q, got %q", tt.argv, got)
			}
		})
	}
}

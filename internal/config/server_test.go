package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaults(t *testing.T) {
	var c ServerConfig
	c.SetDefaults()
	if c.Port != 8080 || c.MetricsAddr != ":8080" || c.LogLevel != "info" {
		t.Fatalf("defaults = %+v", c)
	}
	if c.MaxRedirects != 1 || c.DefaultConcurrency != 2 {
		t.Fatalf("scheduling defaults = %+v", c)
	}
	if diff := cmp.Diff([]string{"sdxl", "sd3", "flux-1"}, c.DisregardedFeatures); diff != "" {
		t.Fatalf("disregarded (-want +got):\n%s", diff)
	}
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	yml := "port: 9000\nacquire_timeout: 30s\nuser_concurrency:\n  alice: 4\nallowed_origins: [\"https://a.example\"]\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var c ServerConfig
	c.SetDefaults()
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.Port != 9000 || c.AcquireTimeout != 30*time.Second || c.UserConcurrency["alice"] != 4 {
		t.Fatalf("file values = %+v", c)
	}

	t.Setenv("PORT", "9100")
	t.Setenv("METRICS_PORT", "9101")
	t.Setenv("ACQUIRE_TIMEOUT", "1m")
	t.Setenv("USER_CONCURRENCY", "bob=3, carol=1")
	c.ApplyEnv()
	if c.Port != 9100 || c.MetricsAddr != ":9101" || c.AcquireTimeout != time.Minute {
		t.Fatalf("env values = %+v", c)
	}
	if diff := cmp.Diff(map[string]int{"bob": 3, "carol": 1}, c.UserConcurrency); diff != "" {
		t.Fatalf("user concurrency (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"https://a.example"}, c.AllowedOrigins); diff != "" {
		t.Fatalf("origins (-want +got):\n%s", diff)
	}
}

func TestParseUserConcurrency(t *testing.T) {
	if _, err := parseUserConcurrency("alice"); err == nil {
		t.Fatalf("missing '=' accepted")
	}
	if _, err := parseUserConcurrency("alice=x"); err == nil {
		t.Fatalf("non-numeric accepted")
	}
}

func TestResolveConfigPath(t *testing.T) {
	tests := []struct {
		goos, home, programData, want string
	}{
		{"linux", "/home/user", "", "/etc/genpool/server.yaml"},
		{"darwin", "/Users/test", "", "/Users/test/Library/Application Support/genpool/server.yaml"},
		{"windows", "", "C:\\ProgramData", "C:/ProgramData/genpool/server.yaml"},
		{"windows", "", "", "C:/ProgramData/genpool/server.yaml"},
	}
	for _, tt := range tests {
		got := strings.ReplaceAll(ResolveConfigPath(tt.goos, tt.home, tt.programData, "server.yaml"), "\\", "/")
		if got != tt.want {
			t.Errorf("%s: got %q want %q", tt.goos, got, tt.want)
		}
	}
}

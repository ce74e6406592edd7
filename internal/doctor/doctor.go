// Package doctor runs local diagnostic checks: configuration, the snapshot
// cache, and reachability of the agent backend endpoints.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkToken,
		checkCache,
		checkPermissions,
		checkServer,
		checkHistory,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.Project == "" {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "No default project configured",
			Detail:  "Set project in config.yaml or pass -project",
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth Token", Status: "SKIP", Message: "Config missing"}
	}
	if os.Getenv("STRAND_TOKEN") != "" {
		return CheckResult{Name: "Auth Token", Status: "PASS", Message: "STRAND_TOKEN is set"}
	}
	if cfg.AuthToken != "" {
		return CheckResult{Name: "Auth Token", Status: "PASS", Message: "auth_token present in config.yaml"}
	}
	return CheckResult{
		Name:    "Auth Token",
		Status:  "WARN",
		Message: "No token configured",
		Detail:  "Set STRAND_TOKEN or auth_token in config.yaml",
	}
}

func checkCache(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Cache", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Cache", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	projects, err := store.Projects(ctx)
	if err != nil {
		return CheckResult{Name: "Cache", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Cache",
		Status:  "PASS",
		Message: "Schema valid",
		Detail:  fmt.Sprintf("%d cached project(s) at %s", len(projects), cfg.DBPath),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkServer(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Server", Status: "SKIP", Message: "Config missing"}
	}
	return resolveEndpoint(ctx, "Server", cfg.ServerURL)
}

func checkHistory(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "History API", Status: "SKIP", Message: "Config missing"}
	}
	return resolveEndpoint(ctx, "History API", cfg.HistoryURL)
}

// resolveEndpoint checks DNS for the endpoint's host. Loopback hosts skip
// the lookup; a dial would need the backend actually running.
func resolveEndpoint(ctx context.Context, name, rawURL string) CheckResult {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: name, Status: "FAIL", Message: fmt.Sprintf("Invalid endpoint URL %q", rawURL)}
	}

	host := u.Hostname()
	if isLoopback(host) {
		return CheckResult{
			Name:    name,
			Status:  "PASS",
			Message: fmt.Sprintf("Loopback endpoint %s", u.Host),
			Detail:  "Reachability depends on the local backend running",
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    name,
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    name,
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}

func isLoopback(host string) bool {
	h := strings.ToLower(host)
	if h == "localhost" || h == "::1" {
		return true
	}
	if ip := net.ParseIP(h); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

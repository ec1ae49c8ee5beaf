package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sternrassler/chartmogul-extractor/internal/testutil"
	"github.com/Sternrassler/chartmogul-extractor/pkg/extractor"
	"github.com/Sternrassler/chartmogul-extractor/pkg/state"
	"github.com/goccy/go-json"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"usage", usagef("bad flag"), exitUsage},
		{"config", &extractor.ConfigError{Name: "x"}, exitUsage},
		{"wrapped domain", fmt.Errorf("run: %w", &extractor.DomainError{Endpoint: "x", Reason: "y"}), exitUsage},
		{"other", errors.New("boom"), exitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *options {
		return &options{
			APIKey:      "key",
			BaseURL:     "http://localhost/v1/",
			Endpoint:    "activities",
			Out:         "out",
			BatchSize:   40,
			RPS:         40,
			MaxAttempts: 5,
			LogLevel:    "info",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*options)
		wantErr bool
	}{
		{"valid", func(*options) {}, false},
		{"dates", func(o *options) { o.StartDate, o.EndDate = "2024-01-01", "2024-02-01" }, false},
		{"bad start date", func(o *options) { o.StartDate = "01/01/2024" }, true},
		{"end before start", func(o *options) { o.StartDate, o.EndDate = "2024-02-01", "2024-01-01" }, true},
		{"unknown endpoint", func(o *options) { o.Endpoint = "nope" }, true},
		{"zero batch size", func(o *options) { o.BatchSize = 0 }, true},
		{"zero rps", func(o *options) { o.RPS = 0 }, true},
		{"zero attempts", func(o *options) { o.MaxAttempts = 0 }, true},
		{"bad log level", func(o *options) { o.LogLevel = "loud" }, true},
		{"no out", func(o *options) { o.Out = "" }, true},
		{"no out with dry run", func(o *options) { o.Out, o.DryRun = "", true }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid()
			tt.mutate(o)
			err := o.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParams(t *testing.T) {
	o := &options{StartDate: "2024-01-01"}
	params := o.params()
	if len(params) != 1 || params["start-date"] != "2024-01-01" {
		t.Errorf("params() = %v", params)
	}
}

func TestRun_MissingAPIKey(t *testing.T) {
	t.Setenv("CHARTMOGUL_API_KEY", "")

	code, _, stderr := runCLI(t, "--endpoint", "customers", "--dry-run")
	if code != exitUsage {
		t.Errorf("exit code = %d, want %d", code, exitUsage)
	}
	if !strings.Contains(stderr, "CHARTMOGUL_API_KEY") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRun_UnknownEndpoint(t *testing.T) {
	t.Setenv("CHARTMOGUL_API_KEY", "key")

	code, _, _ := runCLI(t, "--endpoint", "plans_v9", "--dry-run")
	if code != exitUsage {
		t.Errorf("exit code = %d, want %d", code, exitUsage)
	}
}

func TestRun_Extracts(t *testing.T) {
	t.Setenv("CHARTMOGUL_API_KEY", "key")

	mock := testutil.NewMockChartMogul()
	defer mock.Close()
	mock.SetResponse("activities", testutil.NewPageResponse("entries", testutil.Entries("act", 0, 3), false))

	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	stateFile := filepath.Join(dir, "state.json")

	code, stdout, stderr := runCLI(t,
		"--endpoint", "activities",
		"--start-date", "2024-01-01",
		"--out", out,
		"--state-file", stateFile,
		"--base-url", mock.URL(),
		"--rps", "1000",
		"--log-level", "error",
	)
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr)
	}

	var result output
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%s", err, stdout)
	}
	if result.Endpoint != "activities" || result.Records != 3 {
		t.Errorf("output = %+v", result)
	}
	if _, ok := result.Tables["activities"]; !ok {
		t.Error("activities shape missing from output")
	}

	if got := mock.Requests("activities")[0].Query.Get("start-date"); got != "2024-01-01" {
		t.Errorf("start-date = %q, want 2024-01-01", got)
	}

	artifacts, err := os.ReadDir(filepath.Join(out, "activities"))
	if err != nil || len(artifacts) != 1 {
		t.Errorf("artifacts = %d, err = %v; want 1", len(artifacts), err)
	}

	data, err := os.ReadFile(stateFile)
	if err != nil {
		t.Fatalf("state file not written: %v", err)
	}
	var saved state.PersistedState
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("state file is not valid: %v", err)
	}
	if saved.Cursors["activities"].StartAfter != "act-3" {
		t.Errorf("state file = %s", data)
	}

	// The next incremental run resumes from the saved cursor.
	mock.Reset()
	mock.SetResponse("activities", testutil.NewPageResponse("entries", nil, false))
	code, _, stderr = runCLI(t,
		"--endpoint", "activities",
		"--incremental",
		"--start-date", "2024-01-01",
		"--out", out,
		"--state-file", stateFile,
		"--base-url", mock.URL(),
		"--log-level", "error",
	)
	if code != exitOK {
		t.Fatalf("incremental exit code = %d, stderr = %s", code, stderr)
	}
	first := mock.Requests("activities")[0].Query
	if first.Get("start-after") != "act-3" || first.Get("start-date") != "" {
		t.Errorf("incremental query = %v", first)
	}
}

func TestRun_EmptyParentsIsDomainError(t *testing.T) {
	t.Setenv("CHARTMOGUL_API_KEY", "key")

	mock := testutil.NewMockChartMogul()
	defer mock.Close()
	mock.SetResponse("customers", testutil.NewPageResponse("entries", nil, false))

	stateFile := filepath.Join(t.TempDir(), "state.json")
	code, _, _ := runCLI(t,
		"--endpoint", "customers_subscriptions",
		"--dry-run",
		"--state-file", stateFile,
		"--base-url", mock.URL(),
		"--log-level", "error",
	)
	if code != exitUsage {
		t.Errorf("exit code = %d, want %d", code, exitUsage)
	}
	if _, err := os.Stat(stateFile); !os.IsNotExist(err) {
		t.Error("state file must not be written on error")
	}
}

func TestRun_UpstreamFailure(t *testing.T) {
	t.Setenv("CHARTMOGUL_API_KEY", "key")

	mock := testutil.NewMockChartMogul()
	defer mock.Close()
	// No handler registered: every request answers 404.

	code, _, stderr := runCLI(t,
		"--endpoint", "customers",
		"--dry-run",
		"--state-file", filepath.Join(t.TempDir(), "state.json"),
		"--base-url", mock.URL(),
		"--log-level", "error",
	)
	if code != exitFailure {
		t.Errorf("exit code = %d, want %d", code, exitFailure)
	}
	if !strings.Contains(stderr, "404") {
		t.Errorf("stderr = %q, want status in message", stderr)
	}
}

func TestListCommand(t *testing.T) {
	code, stdout, _ := runCLI(t, "list")
	if code != exitOK {
		t.Fatalf("exit code = %d", code)
	}
	for _, name := range []string{"activities", "customers", "customers_subscriptions", "invoices", "key_metrics"} {
		if !strings.Contains(stdout, name) {
			t.Errorf("list output missing %s", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	code, stdout, _ := runCLI(t, "version")
	if code != exitOK || !strings.Contains(stdout, version) {
		t.Errorf("version = %q, code %d", stdout, code)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("processing_mode: long\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_NoneFoundIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") should not error when nothing is found: %v", err)
	}
	if got != "" {
		t.Errorf("FindConfig(\"\") = %q, want empty", got)
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("processing_mode: short\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVarsInYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("classifier_version: ${CONTENTDIGEST_TEST_VERSION}\n"), 0600)
	os.Setenv("CONTENTDIGEST_TEST_VERSION", "v2-test")
	defer os.Unsetenv("CONTENTDIGEST_TEST_VERSION")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ClassifierVersion != "v2-test" {
		t.Errorf("ClassifierVersion = %q, want %q", cfg.ClassifierVersion, "v2-test")
	}
}

func TestLoad_EnvVarOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("processing_mode: short\n"), 0600)
	os.Setenv("PROCESSING_MODE", "long")
	defer os.Unsetenv("PROCESSING_MODE")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ProcessingMode != "long" {
		t.Errorf("ProcessingMode = %q, want %q (env should win)", cfg.ProcessingMode, "long")
	}
}

func TestLoad_AppliesDefaultsWithNoConfigFile(t *testing.T) {
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ClassifierVersion != "v1-seq-llm" {
		t.Errorf("ClassifierVersion = %q, want default", cfg.ClassifierVersion)
	}
	if cfg.ProcessingMode != "auto" {
		t.Errorf("ProcessingMode = %q, want %q", cfg.ProcessingMode, "auto")
	}
	if cfg.FetchLookbackDays != 7 {
		t.Errorf("FetchLookbackDays = %d, want 7", cfg.FetchLookbackDays)
	}
	if cfg.ClassifierWorkers != 10 {
		t.Errorf("ClassifierWorkers = %d, want 10", cfg.ClassifierWorkers)
	}
}

func TestApplyDefaults_MaxTweetsPerAccountFloor(t *testing.T) {
	cfg := &Config{MaxTweetsPerAccount: 2}
	cfg.applyDefaults()
	if cfg.MaxTweetsPerAccount != 5 {
		t.Errorf("MaxTweetsPerAccount = %d, want floor of 5", cfg.MaxTweetsPerAccount)
	}
}

func TestValidate_RejectsUnknownProcessingMode(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.ProcessingMode = "sideways"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown processing_mode")
	}
}

func TestValidate_RejectsLookbackDaysOutOfRange(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.FetchLookbackDays = 30
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for fetch_lookback_days out of range")
	}
}

func TestValidate_RejectsUnknownSQLiteDriver(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.SQLiteDriver = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown sqlite_driver")
	}
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error on defaults: %v", err)
	}
}

func TestFetchConfigured(t *testing.T) {
	cfg := &Config{}
	if cfg.FetchConfigured() {
		t.Error("expected FetchConfigured() = false with no bearer token")
	}
	cfg.TwitterBearerToken = "token"
	if !cfg.FetchConfigured() {
		t.Error("expected FetchConfigured() = true with bearer token set")
	}
}

func TestLoad_ResolvesDataPrefixedPaths(t *testing.T) {
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)
	os.Setenv("DATA_DIR", filepath.Join(dir, "state"))
	defer os.Unsetenv("DATA_DIR")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	want := filepath.Join(dir, "state", "objects")
	if got := cfg.ResolvePath(cfg.DataBucket); got != want {
		t.Errorf("ResolvePath(DataBucket) = %q, want %q", got, want)
	}
}

func TestResolvePath_UnprefixedPathUnchanged(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	if got := cfg.ResolvePath("/abs/custom.db"); got != "/abs/custom.db" {
		t.Errorf("ResolvePath(%q) = %q, want unchanged", "/abs/custom.db", got)
	}
}

func TestDistributionConfigured(t *testing.T) {
	cfg := &Config{}
	if cfg.DistributionConfigured() {
		t.Error("expected DistributionConfigured() = false with no from_email")
	}
	cfg.FromEmail = "digest@example.com"
	if !cfg.DistributionConfigured() {
		t.Error("expected DistributionConfigured() = true with from_email set")
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name  string `yaml:"name"`
	Limit int    `yaml:"limit"`
}

func (s *sample) Validate() error {
	if s.Limit < 0 {
		return errors.New("limit must not be negative")
	}
	return nil
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "board")
	p := writeConfig(t, "name: ${SAMPLE_NAME}\nlimit: 3\n")

	var s sample
	if err := Load(p, &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "board" || s.Limit != 3 {
		t.Errorf("got %+v", s)
	}
}

func TestLoad_UnknownField(t *testing.T) {
	p := writeConfig(t, "name: x\nlimt: 3\n")
	var s sample
	if err := Load(p, &s); err == nil || !strings.Contains(err.Error(), "limt") {
		t.Errorf("err = %v, want unknown field error", err)
	}
}

func TestLoad_Validates(t *testing.T) {
	p := writeConfig(t, "limit: -1\n")
	var s sample
	if err := Load(p, &s); err == nil || !strings.Contains(err.Error(), "validation failed") {
		t.Errorf("err = %v", err)
	}
}

func TestLoad_EmptyFileKeepsDefaults(t *testing.T) {
	p := writeConfig(t, "")
	s := sample{Name: "default"}
	if err := Load(p, &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "default" {
		t.Errorf("defaults lost: %+v", s)
	}
}

func TestLoadOptional_Missing(t *testing.T) {
	s := sample{Name: "default"}
	read, err := LoadOptional(filepath.Join(t.TempDir(), "none.yaml"), &s)
	if err != nil || read {
		t.Fatalf("read=%v err=%v", read, err)
	}
	if s.Name != "default" {
		t.Errorf("defaults lost: %+v", s)
	}

	bad := sample{Limit: -5}
	if _, err := LoadOptional(filepath.Join(t.TempDir(), "none.yaml"), &bad); err == nil {
		t.Error("defaults should still be validated")
	}
}

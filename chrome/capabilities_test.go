package chrome

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestEmptyCapabilities(t *testing.T) {
	data, err := json.Marshal(Capabilities{})
	if err != nil {
		t.Fatalf("json.Marshal(Capabilities{}) return error: %v", err)
	}
	got, want := string(data), `{"w3c":false}`
	if got != want {
		t.Fatalf("json.Marshal(Capabilities{}) = %q, want %q", got, want)
	}
}

func TestMarshalCapabilities(t *testing.T) {
	enabled := true
	c := Capabilities{
		Path:             "/opt/chrome/chrome",
		Args:             []string{"--headless=new"},
		MobileEmulation:  &MobileEmulation{DeviceName: "Pixel 7"},
		PerfLoggingPrefs: &PerfLoggingPreferences{EnableNetwork: &enabled},
		W3C:              true,
	}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"binary":"/opt/chrome/chrome","args":["--headless=new"],"mobileEmulation":{"deviceName":"Pixel 7"},"perfLoggingPrefs":{"enableNetwork":true},"w3c":true}`
	if got := string(data); got != want {
		t.Errorf("json.Marshal() = %s, want %s", got, want)
	}
}

func TestAddExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ext.crx")
	if err := os.WriteFile(path, []byte("Cr24 packed"), 0644); err != nil {
		t.Fatal(err)
	}
	var c Capabilities
	if err := c.AddExtension(path); err != nil {
		t.Fatalf("AddExtension() returned error: %v", err)
	}
	if len(c.Extensions) != 1 || c.Extensions[0] != base64.StdEncoding.EncodeToString([]byte("Cr24 packed")) {
		t.Errorf("c.Extensions = %q", c.Extensions)
	}
	if err := c.AddExtension(filepath.Join(t.TempDir(), "missing.crx")); err == nil {
		t.Error("AddExtension() of a missing file returned nil error")
	}
}

func TestAddUnpackedExtension(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ext")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	manifest := `{"manifest_version": 3, "name": "test", "version": "1.0"}`
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}

	var c Capabilities
	if err := c.AddUnpackedExtension(dir); err != nil {
		t.Fatalf("AddUnpackedExtension() returned error: %v", err)
	}
	if len(c.Extensions) != 1 {
		t.Fatalf("len(c.Extensions) = %d, want 1", len(c.Extensions))
	}
	crx, err := base64.StdEncoding.DecodeString(c.Extensions[0])
	if err != nil {
		t.Fatalf("extension is not base64: %v", err)
	}
	if !bytes.HasPrefix(crx, []byte("Cr24")) {
		t.Errorf("extension starts with %q, want the CRX magic", crx[:4])
	}

	if err := c.AddUnpackedExtension(filepath.Join(dir, "manifest.json")); err == nil {
		t.Error("AddUnpackedExtension() of a file returned nil error")
	}
}

package download

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/go-github/v27/github"
)

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func tarGzArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// serve returns a server for the given path contents and a request counter.
func serve(t *testing.T, files map[string][]byte) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestFetchZip(t *testing.T) {
	archive := zipArchive(t, map[string]string{"chromedriver_linux64/chromedriver": "#!/bin/sh\necho driver\n"})
	srv, hits := serve(t, map[string][]byte{"/chromedriver.zip": archive})
	dir := t.TempDir()
	file := File{
		URL:        srv.URL + "/chromedriver.zip",
		Name:       "chromedriver.zip",
		Hash:       sha256Hex(archive),
		Rename:     []string{"chromedriver_linux64/chromedriver", "chromedriver"},
		Executable: "chromedriver",
	}

	ctx := context.Background()
	if err := Fetch(ctx, nil, file, dir); err != nil {
		t.Fatalf("Fetch() returned error: %v", err)
	}
	fi, err := os.Stat(filepath.Join(dir, "chromedriver"))
	if err != nil {
		t.Fatalf("driver not extracted: %v", err)
	}
	if fi.Mode()&0111 == 0 {
		t.Errorf("driver mode is %v, want it executable", fi.Mode())
	}

	// The archive is still there with the right hash, so it is not
	// downloaded again.
	if err := Fetch(ctx, nil, file, dir); err != nil {
		t.Fatalf("second Fetch() returned error: %v", err)
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Errorf("server hit %d times, want 1", got)
	}
}

func TestFetchTarGz(t *testing.T) {
	archive := tarGzArchive(t, map[string]string{"geckodriver": "driver"})
	srv, _ := serve(t, map[string][]byte{"/geckodriver.tar.gz": archive})
	dir := t.TempDir()
	sum := md5.Sum(archive)
	file := File{
		URL:        srv.URL + "/geckodriver.tar.gz",
		Name:       "geckodriver.tar.gz",
		Hash:       hex.EncodeToString(sum[:]),
		HashType:   "md5",
		Executable: "geckodriver",
	}
	if err := Fetch(context.Background(), nil, file, dir); err != nil {
		t.Fatalf("Fetch() returned error: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "geckodriver"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "driver" {
		t.Errorf("extracted %q, want %q", got, "driver")
	}
}

func TestFetchErrors(t *testing.T) {
	srv, _ := serve(t, map[string][]byte{"/selenium.jar": []byte("jar")})
	tests := []struct {
		desc string
		file File
	}{
		{"hash mismatch", File{URL: srv.URL + "/selenium.jar", Name: "selenium.jar", Hash: sha256Hex([]byte("other"))}},
		{"not found", File{URL: srv.URL + "/missing.jar", Name: "missing.jar"}},
		{"escaping archive", File{URL: srv.URL + "/evil.zip", Name: "evil.zip"}},
	}
	srvEvil, _ := serve(t, map[string][]byte{"/evil.zip": zipArchive(t, map[string]string{"../evil": "x"})})
	tests[2].file.URL = srvEvil.URL + "/evil.zip"

	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			dir := t.TempDir()
			if err := Fetch(context.Background(), nil, tc.file, dir); err == nil {
				t.Fatal("Fetch() returned nil error")
			}
		})
	}
}

func TestFetchAll(t *testing.T) {
	files := map[string][]byte{}
	var list []File
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("file%d.jar", i)
		files["/"+name] = []byte(name)
		list = append(list, File{Name: name, Hash: sha256Hex([]byte(name))})
	}
	srv, _ := serve(t, files)
	for i := range list {
		list[i].URL = srv.URL + "/" + list[i].Name
	}

	dir := filepath.Join(t.TempDir(), "drivers")
	if err := FetchAll(context.Background(), nil, list, dir); err != nil {
		t.Fatalf("FetchAll() returned error: %v", err)
	}
	for _, f := range list {
		if _, err := os.Stat(filepath.Join(dir, f.Name)); err != nil {
			t.Errorf("%s not downloaded: %v", f.Name, err)
		}
	}
}

func TestGeckoDriver(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/mozilla/geckodriver/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"tag_name": "v0.34.0",
			"assets": [
				{"name": "geckodriver-v0.34.0-linux-aarch64.tar.gz", "browser_download_url": "https://example.com/arm"},
				{"name": "geckodriver-v0.34.0-linux64.tar.gz", "browser_download_url": "https://example.com/linux64"},
				{"name": "geckodriver-v0.34.0-linux64.tar.gz.asc", "browser_download_url": "https://example.com/sig"}
			]
		}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	client.BaseURL = base

	got, err := GeckoDriver(context.Background(), client)
	if err != nil {
		t.Fatalf("GeckoDriver() returned error: %v", err)
	}
	want := File{URL: "https://example.com/linux64", Name: "geckodriver.tar.gz", Executable: "geckodriver"}
	if got.URL != want.URL || got.Name != want.Name || got.Executable != want.Executable {
		t.Errorf("GeckoDriver() = %+v, want %+v", got, want)
	}

	if _, err := LatestGitHubRelease(context.Background(), client, "mozilla", "geckodriver", `win64\.zip$`, "x"); err == nil {
		t.Error("LatestGitHubRelease() without a matching asset returned nil error")
	}
}

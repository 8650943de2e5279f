// Package download provisions WebDriver binaries: ChromeDriver snapshots
// from the Chromium build bucket, GeckoDriver from its GitHub releases and
// the Selenium standalone server.
package download

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/golang/glog"
	"github.com/google/go-github/v27/github"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
)

// File describes how to download a file from the Web.
type File struct {
	URL  string
	Name string
	// Hash is the hex encoded digest of the download. Empty skips the check
	// and always downloads.
	Hash string
	// HashType is "sha256" (the default), "sha1" or "md5".
	HashType string
	// Rename moves an extracted path to its final name, both relative to the
	// download directory.
	Rename []string
	// Executable is the path, relative to the download directory, that must
	// be made executable after extraction.
	Executable string
}

// SeleniumServer is the Selenium standalone server JAR.
var SeleniumServer = File{
	URL:  "https://selenium-release.storage.googleapis.com/3.141/selenium-server-standalone-3.141.59.jar",
	Name: "selenium-server.jar",
	Hash: "acf71b77d1b66b55db6fb0bed6d8bae2bbd481311bcbedfeff472c0d15e8f3cb",
}

const (
	snapshotBucket = "chromium-browser-snapshots"
	snapshotPrefix = "Linux_x64"
)

// ChromeDriverSnapshot returns the ChromeDriver of a Chromium snapshot
// build, or of the latest build when build is empty. A nil client means an
// unauthenticated storage client.
func ChromeDriverSnapshot(ctx context.Context, client *storage.Client, build string) (File, error) {
	if client == nil {
		var err error
		client, err = storage.NewClient(ctx, option.WithHTTPClient(http.DefaultClient))
		if err != nil {
			return File{}, fmt.Errorf("creating storage client: %w", err)
		}
		defer client.Close()
	}
	bkt := client.Bucket(snapshotBucket)

	if build == "" {
		lastChange := path.Join(snapshotPrefix, "LAST_CHANGE")
		r, err := bkt.Object(lastChange).NewReader(ctx)
		if err != nil {
			return File{}, fmt.Errorf("reading gs://%s/%s: %w", snapshotBucket, lastChange, err)
		}
		defer r.Close()
		data, err := io.ReadAll(r)
		if err != nil {
			return File{}, fmt.Errorf("reading gs://%s/%s: %w", snapshotBucket, lastChange, err)
		}
		build = strings.TrimSpace(string(data))
	}

	object := path.Join(snapshotPrefix, build, "chromedriver_linux64.zip")
	attrs, err := bkt.Object(object).Attrs(ctx)
	if err != nil {
		return File{}, fmt.Errorf("looking up gs://%s/%s: %w", snapshotBucket, object, err)
	}
	glog.V(1).Infof("chromedriver snapshot %s is %s", build, attrs.MediaLink)
	return File{
		URL:        attrs.MediaLink,
		Name:       "chromedriver.zip",
		Hash:       hex.EncodeToString(attrs.MD5),
		HashType:   "md5",
		Rename:     []string{"chromedriver_linux64/chromedriver", "chromedriver"},
		Executable: "chromedriver",
	}, nil
}

// LatestGitHubRelease returns the asset of the latest release of owner/repo
// whose name matches assetPattern, to be saved as name. A nil client means
// an unauthenticated GitHub client.
func LatestGitHubRelease(ctx context.Context, client *github.Client, owner, repo, assetPattern, name string) (File, error) {
	if client == nil {
		client = github.NewClient(nil)
	}
	re, err := regexp.Compile(assetPattern)
	if err != nil {
		return File{}, fmt.Errorf("invalid asset pattern %q: %w", assetPattern, err)
	}
	rel, _, err := client.Repositories.GetLatestRelease(ctx, owner, repo)
	if err != nil {
		return File{}, fmt.Errorf("latest release of %s/%s: %w", owner, repo, err)
	}
	for _, a := range rel.Assets {
		if !re.MatchString(a.GetName()) {
			continue
		}
		u := a.GetBrowserDownloadURL()
		if u == "" {
			return File{}, fmt.Errorf("%s has no download URL", a.GetName())
		}
		glog.V(1).Infof("%s/%s %s: %s", owner, repo, rel.GetTagName(), u)
		return File{URL: u, Name: name}, nil
	}
	return File{}, fmt.Errorf("no asset matching %q in release %s of github.com/%s/%s", assetPattern, rel.GetTagName(), owner, repo)
}

// GeckoDriver returns the latest linux64 GeckoDriver release.
func GeckoDriver(ctx context.Context, client *github.Client) (File, error) {
	f, err := LatestGitHubRelease(ctx, client, "mozilla", "geckodriver", `^geckodriver-v[\d.]+-linux64\.tar\.gz$`, "geckodriver.tar.gz")
	if err != nil {
		return File{}, err
	}
	f.Executable = "geckodriver"
	return f, nil
}

// Fetch downloads file into dir unless a copy with the expected hash is
// already there, then extracts and renames it.
func Fetch(ctx context.Context, client *http.Client, file File, dir string) error {
	if client == nil {
		client = http.DefaultClient
	}
	dst := filepath.Join(dir, file.Name)
	if file.Hash != "" && sameHash(dst, file) {
		glog.Infof("skipping %q which has already been downloaded", file.Name)
	} else {
		glog.Infof("downloading %q from %q", file.Name, file.URL)
		if err := fetch(ctx, client, file, dst); err != nil {
			return err
		}
	}

	if err := extract(dst, dir); err != nil {
		return fmt.Errorf("extracting %q: %w", file.Name, err)
	}
	if rename := file.Rename; len(rename) == 2 {
		from := filepath.Join(dir, rename[0])
		to := filepath.Join(dir, rename[1])
		glog.V(1).Infof("renaming %q to %q", from, to)
		if err := os.RemoveAll(to); err != nil {
			return err
		}
		if err := os.Rename(from, to); err != nil {
			return err
		}
	}
	if file.Executable != "" {
		if err := os.Chmod(filepath.Join(dir, file.Executable), 0755); err != nil {
			return err
		}
	}
	return nil
}

// FetchAll fetches files into dir in parallel.
func FetchAll(ctx context.Context, client *http.Client, files []File, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, file := range files {
		file := file
		g.Go(func() error {
			if err := Fetch(ctx, client, file, dir); err != nil {
				return fmt.Errorf("%s: %w", file.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func newHash(hashType string) hash.Hash {
	switch strings.ToLower(hashType) {
	case "md5":
		return md5.New()
	case "sha1":
		return sha1.New()
	default:
		return sha256.New()
	}
}

func fetch(ctx context.Context, client *http.Client, file File, dst string) (err error) {
	req, err := http.NewRequestWithContext(ctx, "GET", file.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %q: %w", file.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %q: %s", file.URL, resp.Status)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	h := newHash(file.HashType)
	if _, err := io.Copy(io.MultiWriter(f, h), resp.Body); err != nil {
		return fmt.Errorf("downloading %q: %w", file.URL, err)
	}
	if file.Hash == "" {
		return nil
	}
	if sum := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(sum, file.Hash) {
		return fmt.Errorf("%s: got %s hash %q, want %q", file.Name, hashName(file.HashType), sum, file.Hash)
	}
	return nil
}

func hashName(hashType string) string {
	if hashType == "" {
		return "sha256"
	}
	return hashType
}

func sameHash(path string, file File) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	h := newHash(file.HashType)
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(sum, file.Hash) {
		glog.Warningf("file %q: got hash %q, want %q", file.Name, sum, file.Hash)
		return false
	}
	return true
}

func extract(archive, dir string) error {
	switch {
	case strings.HasSuffix(archive, ".zip"):
		return unzip(archive, dir)
	case strings.HasSuffix(archive, ".tar.gz"), strings.HasSuffix(archive, ".tgz"):
		return untar(archive, dir)
	}
	return nil
}

// target resolves an archive entry below dir, rejecting entries that
// escape it.
func target(dir, name string) (string, error) {
	p := filepath.Join(dir, filepath.FromSlash(name))
	if p != filepath.Clean(dir) && !strings.HasPrefix(p, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes %s", name, dir)
	}
	return p, nil
}

func writeFile(p string, mode os.FileMode, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm()|0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func unzip(archive, dir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer zr.Close()
	for _, zf := range zr.File {
		p, err := target(dir, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(p, 0755); err != nil {
				return err
			}
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = writeFile(p, zf.Mode(), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func untar(archive, dir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		p, err := target(dir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(p, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(p, os.FileMode(hdr.Mode), tr); err != nil {
				return err
			}
		}
	}
}

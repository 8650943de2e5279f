// Package zip packs a directory tree into an in-memory Zip archive.
package zip

import (
	"archive/zip"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// New returns a buffer that contains the payload of a Zip file holding every
// regular file below basePath, with paths relative to basePath.
func New(basePath string) (*bytes.Buffer, error) {
	fi, err := os.Stat(basePath)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("path %q is not a directory", basePath)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	err = filepath.Walk(basePath, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return addFile(w, basePath, filePath, info)
	})
	if err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

func addFile(w *zip.Writer, basePath, filePath string, info os.FileInfo) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(basePath, filePath)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	// Without this, the Java zip reader throws a java.util.zip.ZipException:
	// "only DEFLATED entries can have EXT descriptor".
	hdr.Method = zip.Deflate

	fw, err := w.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(fw, bufio.NewReader(f))
	return err
}

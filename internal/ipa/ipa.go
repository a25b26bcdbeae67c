// Package ipa stages IPA packages: it extracts them to a scratch
// directory, locates the app inside Payload/ and zips the tree back up.
package ipa

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aluedeke/go-sideload/internal/atomicfile"
)

const payloadDir = "Payload"

// Extract unpacks the IPA at path into a new temporary directory and
// returns it. The caller removes the directory.
func Extract(ctx context.Context, path string) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("failed to open IPA: %w", err)
	}
	defer r.Close()

	dir, err := os.MkdirTemp("", "go-sideload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
		if err := extractFile(f, dir); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	return dir, nil
}

func extractFile(f *zip.File, dir string) error {
	dest := filepath.Join(dir, filepath.FromSlash(f.Name))
	if !strings.HasPrefix(dest, filepath.Clean(dir)+string(os.PathSeparator)) {
		return fmt.Errorf("entry escapes the package: %s", f.Name)
	}
	if f.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	in, err := f.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// FindApp returns the first .app directory under dir/Payload.
func FindApp(dir string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, payloadDir))
	if err != nil {
		return "", fmt.Errorf("failed to read Payload directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && filepath.Ext(e.Name()) == ".app" {
			return filepath.Join(dir, payloadDir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no .app bundle in Payload directory")
}

// Repack zips the tree under dir into an IPA at out. The file appears only
// once it is complete.
func Repack(ctx context.Context, dir, out string) error {
	f, err := atomicfile.New(out, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", out, err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			_, err := w.Create(name + "/")
			return err
		}
		return addFile(w, path, name, d)
	})
	if err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return f.Commit()
}

func addFile(w *zip.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	dst, err := w.CreateHeader(header)
	if err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(dst, src)
	return err
}

package codesign

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aluedeke/go-sideload/pkg/bundle"
)

// Settings controls how one bundle is signed.
type Settings struct {
	// Entitlements is an XML plist embedded in the main executable's
	// signature. Empty means none.
	Entitlements []byte
	// Shallow signs only the main executable. Otherwise loose Mach-O
	// files in the bundle, such as dylibs outside any nested bundle, are
	// signed too.
	Shallow bool
}

// Signer signs bundles in place with one identity.
type Signer struct {
	id  *Identity
	log zerolog.Logger
}

// NewSigner returns a Signer. A nil identity signs ad hoc.
func NewSigner(id *Identity, log zerolog.Logger) *Signer {
	return &Signer{id: id, log: log}
}

// Identity returns the signing identity, or nil for ad hoc signing.
func (s *Signer) Identity() *Identity { return s.id }

// SignBundle seals and signs the bundle at dir. Nested bundles are not
// descended into; they must already be signed so their seals are covered
// by this bundle's CodeResources. A bundle without CFBundleExecutable, such
// as a resource bundle, is only sealed.
func (s *Signer) SignBundle(ctx context.Context, dir string, settings Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := bundle.Open(dir)
	if err != nil {
		return &SigningError{Path: dir, Err: err}
	}
	var exe string
	if b.Executable() != "" {
		if exe, err = b.ExecutablePath(); err != nil {
			return &SigningError{Path: dir, Err: err}
		}
	}
	log := s.log.With().Str("bundle", b.String()).Logger()

	if !settings.Shallow {
		if err := s.signLoose(ctx, b, exe); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(filepath.Join(dir, codeSignatureDir)); err != nil {
		return &SigningError{Path: dir, Err: err}
	}
	var exeName string
	if exe != "" {
		exeName = filepath.Base(exe)
	}
	if err := WriteCodeResources(ctx, dir, exeName); err != nil {
		return &SigningError{Path: dir, Err: err}
	}
	if exe == "" {
		log.Debug().Msg("sealed bundle without executable")
		return nil
	}
	if err := SignMachO(exe, s.id, settings.Entitlements, b.Identifier()); err != nil {
		return &SigningError{Path: exe, Err: err}
	}
	log.Debug().Bool("adhoc", s.id == nil).Int("entitlements", len(settings.Entitlements)).Msg("signed")
	return nil
}

// signLoose signs every Mach-O file under b that is neither the main
// executable nor part of a nested bundle.
func (s *Signer) signLoose(ctx context.Context, b *bundle.Bundle, exe string) error {
	return filepath.WalkDir(b.Dir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path == b.Dir() {
				return nil
			}
			if d.Name() == codeSignatureDir || isNestedBundle(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if path == exe || !d.Type().IsRegular() || !IsMachO(path) {
			return nil
		}
		id := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		if err := SignMachO(path, s.id, nil, id); err != nil {
			return &SigningError{Path: path, Err: err}
		}
		s.log.Debug().Str("path", path).Msg("signed loose binary")
		return nil
	})
}

func isNestedBundle(dir string) bool {
	if filepath.Ext(dir) == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, "Info.plist"))
	return err == nil
}

package codesign

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
	"howett.net/plist"

	"github.com/aluedeke/go-sideload/internal/atomicfile"
)

const (
	codeSignatureDir  = "_CodeSignature"
	codeResourcesName = "CodeResources"
)

type resourceHash struct {
	rel    string
	sha1   []byte
	sha256 []byte
}

// GenerateCodeResources builds the _CodeSignature/CodeResources seal for
// bundleDir. Every file is hashed, nested bundle contents included, except
// the main executable, the bundle's own seal and omitted junk files.
func GenerateCodeResources(ctx context.Context, bundleDir, executable string) ([]byte, error) {
	own := filepath.Join(codeSignatureDir, codeResourcesName)

	var rels []string
	err := filepath.WalkDir(bundleDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bundleDir, path)
		if err != nil {
			return err
		}
		if rel == own || rel == executable || shouldOmit(rel) {
			return nil
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	hashes := make([]resourceHash, len(rels))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, rel := range rels {
		i, rel := i, rel
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h1, h2, err := hashFile(filepath.Join(bundleDir, rel))
			if err != nil {
				return fmt.Errorf("hashing %s: %w", rel, err)
			}
			hashes[i] = resourceHash{rel: filepath.ToSlash(rel), sha1: h1, sha256: h2}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	files := make(map[string]interface{}, len(hashes))
	files2 := make(map[string]interface{}, len(hashes))
	for _, h := range hashes {
		optional := isOptional(h.rel)
		if optional {
			files[h.rel] = map[string]interface{}{"hash": h.sha1, "optional": true}
		} else {
			files[h.rel] = h.sha1
		}
		if omitFromFiles2(h.rel) {
			continue
		}
		entry := map[string]interface{}{"hash": h.sha1, "hash2": h.sha256}
		if optional {
			entry["optional"] = true
		}
		files2[h.rel] = entry
	}

	data, err := plist.MarshalIndent(map[string]interface{}{
		"files":  files,
		"files2": files2,
		"rules":  defaultRules(),
		"rules2": defaultRules2(),
	}, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", codeResourcesName, err)
	}
	return data, nil
}

// WriteCodeResources generates the seal and writes it into bundleDir.
func WriteCodeResources(ctx context.Context, bundleDir, executable string) error {
	data, err := GenerateCodeResources(ctx, bundleDir, executable)
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(filepath.Join(bundleDir, codeSignatureDir, codeResourcesName), data, 0o644)
}

// hashFile returns the SHA-1 and SHA-256 digests of a file in one pass.
func hashFile(path string) ([]byte, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	h1, h2 := sha1.New(), sha256.New()
	if _, err := io.Copy(io.MultiWriter(h1, h2), f); err != nil {
		return nil, nil, err
	}
	return h1.Sum(nil), h2.Sum(nil), nil
}

func shouldOmit(rel string) bool {
	base := filepath.Base(rel)
	switch {
	case base == ".DS_Store", strings.HasPrefix(base, "._"):
		return true
	case strings.Contains(filepath.ToSlash(rel), ".git"):
		return true
	case strings.HasSuffix(filepath.ToSlash(rel), ".lproj/locversion.plist"):
		return true
	}
	return false
}

func isOptional(rel string) bool {
	return strings.Contains(rel, ".lproj/")
}

// omitFromFiles2 mirrors the rules2 omit entries for Info.plist and PkgInfo.
func omitFromFiles2(rel string) bool {
	return rel == "Info.plist" || rel == "PkgInfo"
}

// weighted builds a rule dictionary. Weights are float64 so they encode
// as <real>.
func weighted(weight float64, flags ...string) map[string]interface{} {
	rule := map[string]interface{}{"weight": weight}
	for _, f := range flags {
		rule[f] = true
	}
	return rule
}

func defaultRules() map[string]interface{} {
	return map[string]interface{}{
		"^.*":                           true,
		"^.*\\.lproj/":                  weighted(1000, "optional"),
		"^.*\\.lproj/locversion.plist$": weighted(1100, "omit"),
		"^Base\\.lproj/":                weighted(1010),
		"^version.plist$":               true,
	}
}

func defaultRules2() map[string]interface{} {
	return map[string]interface{}{
		"^.*":                           true,
		".*\\.dSYM($|/)":                weighted(11),
		"^(.*/)?\\.DS_Store$":           weighted(2000, "omit"),
		"^.*\\.lproj/":                  weighted(1000, "optional"),
		"^.*\\.lproj/locversion.plist$": weighted(1100, "omit"),
		"^Base\\.lproj/":                weighted(1010),
		"^Info\\.plist$":                weighted(20, "omit"),
		"^PkgInfo$":                     weighted(20, "omit"),
		"^embedded\\.provisionprofile$": weighted(20),
		"^version\\.plist$":             weighted(20),
	}
}

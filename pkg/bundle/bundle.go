// Package bundle models app, extension and framework bundles on disk and
// the Info.plist edits applied to them before signing.
package bundle

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"howett.net/plist"

	"github.com/aluedeke/go-sideload/internal/atomicfile"
)

// Info.plist keys read or rewritten by this package.
const (
	KeyIdentifier    = "CFBundleIdentifier"
	KeyExecutable    = "CFBundleExecutable"
	KeyName          = "CFBundleName"
	KeyDisplayName   = "CFBundleDisplayName"
	KeyShortVersion  = "CFBundleShortVersionString"
	KeyVersion       = "CFBundleVersion"
	KeyWKCompanionID = "WKCompanionAppBundleIdentifier"
	KeyExtension     = "NSExtension"
	KeyExtensionAttr = "NSExtensionAttributes"
	KeyWKAppBundleID = "WKAppBundleIdentifier"
)

const infoPlist = "Info.plist"

// Type classifies a bundle by its directory extension.
type Type int

const (
	Unknown Type = iota
	App
	AppExtension
	Framework
)

func (t Type) String() string {
	switch t {
	case App:
		return "app"
	case AppExtension:
		return "appex"
	case Framework:
		return "framework"
	default:
		return "unknown"
	}
}

// Provisionable reports whether bundles of this type carry their own
// provisioning profile.
func (t Type) Provisionable() bool {
	return t == App || t == AppExtension
}

// TypeOf returns the bundle type implied by the extension of dir.
func TypeOf(dir string) Type {
	switch strings.ToLower(filepath.Ext(dir)) {
	case ".app":
		return App
	case ".appex":
		return AppExtension
	case ".framework":
		return Framework
	default:
		return Unknown
	}
}

// Bundle is a directory with an Info.plist.
type Bundle struct {
	dir string
	typ Type
}

// Open returns the bundle rooted at dir. The directory must contain an
// Info.plist.
func Open(dir string) (*Bundle, error) {
	info, err := os.Stat(filepath.Join(dir, infoPlist))
	if err != nil {
		return nil, &StructureError{Path: dir, Reason: "missing " + infoPlist, Err: err}
	}
	if info.IsDir() {
		return nil, &StructureError{Path: dir, Reason: infoPlist + " is a directory"}
	}
	return &Bundle{dir: filepath.Clean(dir), typ: TypeOf(dir)}, nil
}

func (b *Bundle) Dir() string      { return b.dir }
func (b *Bundle) Type() Type       { return b.typ }
func (b *Bundle) InfoPath() string { return filepath.Join(b.dir, infoPlist) }

func (b *Bundle) String() string {
	return filepath.Base(b.dir)
}

// Info reads and decodes the bundle's Info.plist.
func (b *Bundle) Info() (map[string]interface{}, error) {
	info, _, err := b.readInfo()
	return info, err
}

func (b *Bundle) readInfo() (map[string]interface{}, int, error) {
	data, err := os.ReadFile(b.InfoPath())
	if err != nil {
		return nil, 0, &StructureError{Path: b.dir, Reason: "reading " + infoPlist, Err: err}
	}
	var info map[string]interface{}
	format, err := plist.Unmarshal(data, &info)
	if err != nil {
		return nil, 0, &StructureError{Path: b.dir, Reason: "decoding " + infoPlist, Err: err}
	}
	if info == nil {
		info = map[string]interface{}{}
	}
	return info, format, nil
}

// Update applies fn to the decoded Info.plist and writes the result back
// in its original format when fn reports a change.
func (b *Bundle) Update(fn func(info map[string]interface{}) bool) error {
	info, format, err := b.readInfo()
	if err != nil {
		return err
	}
	if !fn(info) {
		return nil
	}
	var data []byte
	if format == plist.XMLFormat || format == plist.OpenStepFormat || format == plist.GNUStepFormat {
		data, err = plist.MarshalIndent(info, plist.XMLFormat, "\t")
	} else {
		data, err = plist.Marshal(info, plist.BinaryFormat)
	}
	if err != nil {
		return &StructureError{Path: b.dir, Reason: "encoding " + infoPlist, Err: err}
	}
	if err := atomicfile.WriteFile(b.InfoPath(), data, 0o644); err != nil {
		return &StructureError{Path: b.dir, Reason: "writing " + infoPlist, Err: err}
	}
	return nil
}

// Set writes key=value into the Info.plist.
func (b *Bundle) Set(key string, value interface{}) error {
	return b.Update(func(info map[string]interface{}) bool {
		info[key] = value
		return true
	})
}

func (b *Bundle) stringValue(key string) string {
	info, err := b.Info()
	if err != nil {
		return ""
	}
	s, _ := info[key].(string)
	return s
}

// Identifier returns CFBundleIdentifier, or "" when unset.
func (b *Bundle) Identifier() string { return b.stringValue(KeyIdentifier) }

// Executable returns CFBundleExecutable, or "" when unset.
func (b *Bundle) Executable() string { return b.stringValue(KeyExecutable) }

// Version returns CFBundleShortVersionString, or "" when unset.
func (b *Bundle) Version() string { return b.stringValue(KeyShortVersion) }

// Name returns the user-visible name: the display name, then the bundle
// name, then the executable name.
func (b *Bundle) Name() string {
	info, err := b.Info()
	if err != nil {
		return ""
	}
	for _, key := range []string{KeyDisplayName, KeyName, KeyExecutable} {
		if s, ok := info[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ExecutablePath returns the path of the main binary.
func (b *Bundle) ExecutablePath() (string, error) {
	exe := b.Executable()
	if exe == "" {
		return "", &StructureError{Path: b.dir, Reason: "missing " + KeyExecutable}
	}
	path := filepath.Join(b.dir, exe)
	if _, err := os.Stat(path); err != nil {
		return "", &StructureError{Path: b.dir, Reason: "missing executable " + exe, Err: err}
	}
	return path, nil
}

// SetName sets the display name.
func (b *Bundle) SetName(name string) error {
	return b.Set(KeyDisplayName, name)
}

// SetVersion sets both the short version string and the build version.
func (b *Bundle) SetVersion(version string) error {
	return b.Update(func(info map[string]interface{}) bool {
		info[KeyShortVersion] = version
		info[KeyVersion] = version
		return true
	})
}

// SetMatchingIdentifier replaces every literal occurrence of oldID with
// newID in the bundle identifier and in the WatchKit companion
// references. The Info.plist is only rewritten when something changed.
func (b *Bundle) SetMatchingIdentifier(oldID, newID string) (bool, error) {
	if oldID == "" || oldID == newID {
		return false, nil
	}
	changed := false
	replace := func(m map[string]interface{}, key string) {
		s, ok := m[key].(string)
		if !ok || !strings.Contains(s, oldID) {
			return
		}
		m[key] = strings.ReplaceAll(s, oldID, newID)
		changed = true
	}
	err := b.Update(func(info map[string]interface{}) bool {
		replace(info, KeyIdentifier)
		replace(info, KeyWKCompanionID)
		if ext, ok := info[KeyExtension].(map[string]interface{}); ok {
			if attrs, ok := ext[KeyExtensionAttr].(map[string]interface{}); ok {
				replace(attrs, KeyWKAppBundleID)
			}
		}
		return changed
	})
	return changed, err
}

// Embedded returns the bundles nested anywhere below b, in directory
// order. Compiled storyboards are skipped. Nested apps are returned but
// not descended into.
func (b *Bundle) Embedded() ([]*Bundle, error) {
	var out []*Bundle
	if err := collect(b.dir, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func collect(dir string, out *[]*Bundle) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &StructureError{Path: dir, Reason: "listing directory", Err: err}
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".storyboardc") {
			continue
		}
		path := filepath.Join(dir, name)
		if filepath.Ext(name) != "" {
			child, err := Open(path)
			if err == nil {
				*out = append(*out, child)
				if child.typ == App {
					continue
				}
				if err := collect(path, out); err != nil {
					return err
				}
				continue
			}
			var se *StructureError
			if !errors.As(err, &se) {
				return err
			}
		}
		if err := collect(path, out); err != nil {
			return err
		}
	}
	return nil
}

// CollectSorted returns b and all of its embedded bundles in signing
// order: deepest first, ties by path, and b itself last.
func (b *Bundle) CollectSorted() ([]*Bundle, error) {
	nested, err := b.Embedded()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(nested, func(i, j int) bool {
		di, dj := depth(b.dir, nested[i].dir), depth(b.dir, nested[j].dir)
		if di != dj {
			return di > dj
		}
		return nested[i].dir < nested[j].dir
	})
	return append(nested, b), nil
}

func depth(root, dir string) int {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}

package codesign

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"howett.net/plist"
)

// writeTree creates files relative to root.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func sampleBundle(t *testing.T) string {
	root := filepath.Join(t.TempDir(), "Foo.app")
	writeTree(t, root, map[string]string{
		"Info.plist":                   "info",
		"PkgInfo":                      "APPL????",
		"Foo":                          "main executable",
		"AppIcon.png":                  "icon",
		"en.lproj/Localizable.strings": "strings",
		"en.lproj/locversion.plist":    "omit me",
		".DS_Store":                    "junk",
		"_CodeSignature/CodeResources": "old seal",
		"Frameworks/Lib.framework/Lib": "lib binary",
	})
	writeTree(t, filepath.Join(root, "Frameworks", "Lib.framework"), map[string]string{
		"_CodeSignature/CodeResources": "nested seal",
	})
	return root
}

func generate(t *testing.T, root string) map[string]interface{} {
	t.Helper()
	data, err := GenerateCodeResources(context.Background(), root, "Foo")
	if err != nil {
		t.Fatalf("GenerateCodeResources failed: %v", err)
	}
	var out map[string]interface{}
	if _, err := plist.Unmarshal(data, &out); err != nil {
		t.Fatalf("failed to parse generated CodeResources: %v", err)
	}
	return out
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hashtest")
	content := []byte("Hello, World!")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	h1, h2, err := hashFile(path)
	if err != nil {
		t.Fatalf("hashFile failed: %v", err)
	}
	want1 := sha1.Sum(content)
	want2 := sha256.Sum256(content)
	if !bytes.Equal(h1, want1[:]) {
		t.Errorf("SHA1 mismatch: got %x, want %x", h1, want1)
	}
	if !bytes.Equal(h2, want2[:]) {
		t.Errorf("SHA256 mismatch: got %x, want %x", h2, want2)
	}
}

func TestGenerateCodeResourcesFiles(t *testing.T) {
	root := sampleBundle(t)
	files := generate(t, root)["files"].(map[string]interface{})

	for _, rel := range []string{"Info.plist", "PkgInfo", "AppIcon.png", "Frameworks/Lib.framework/Lib", "Frameworks/Lib.framework/_CodeSignature/CodeResources"} {
		if _, ok := files[rel]; !ok {
			t.Errorf("files should contain %s", rel)
		}
	}
	for _, rel := range []string{"Foo", "_CodeSignature/CodeResources", ".DS_Store", "en.lproj/locversion.plist"} {
		if _, ok := files[rel]; ok {
			t.Errorf("files should not contain %s", rel)
		}
	}

	want := sha1.Sum([]byte("icon"))
	if got, _ := files["AppIcon.png"].([]byte); !bytes.Equal(got, want[:]) {
		t.Errorf("AppIcon.png hash = %x, want %x", got, want)
	}

	loc, ok := files["en.lproj/Localizable.strings"].(map[string]interface{})
	if !ok || loc["optional"] != true {
		t.Errorf("localized resources should be optional, got %#v", files["en.lproj/Localizable.strings"])
	}
}

func TestGenerateCodeResourcesFiles2(t *testing.T) {
	root := sampleBundle(t)
	files2 := generate(t, root)["files2"].(map[string]interface{})

	for _, rel := range []string{"Info.plist", "PkgInfo"} {
		if _, ok := files2[rel]; ok {
			t.Errorf("files2 should not contain %s", rel)
		}
	}

	entry, ok := files2["AppIcon.png"].(map[string]interface{})
	if !ok {
		t.Fatalf("files2 missing AppIcon.png")
	}
	want1 := sha1.Sum([]byte("icon"))
	want2 := sha256.Sum256([]byte("icon"))
	if got, _ := entry["hash"].([]byte); !bytes.Equal(got, want1[:]) {
		t.Errorf("hash = %x, want %x", got, want1)
	}
	if got, _ := entry["hash2"].([]byte); !bytes.Equal(got, want2[:]) {
		t.Errorf("hash2 = %x, want %x", got, want2)
	}
}

func TestGenerateCodeResourcesRules(t *testing.T) {
	out := generate(t, sampleBundle(t))

	rules, ok := out["rules"].(map[string]interface{})
	if !ok {
		t.Fatal("missing rules")
	}
	if _, ok := rules["^.*"]; !ok {
		t.Error("rules missing '^.*'")
	}

	rules2, ok := out["rules2"].(map[string]interface{})
	if !ok {
		t.Fatal("missing rules2")
	}
	info, ok := rules2["^Info\\.plist$"].(map[string]interface{})
	if !ok {
		t.Fatal("rules2 missing '^Info\\.plist$'")
	}
	if info["omit"] != true {
		t.Error("Info.plist rule should omit")
	}
	if _, ok := info["weight"].(float64); !ok {
		t.Errorf("weights should decode as real, got %T", info["weight"])
	}
}

func TestWriteCodeResources(t *testing.T) {
	root := sampleBundle(t)
	if err := WriteCodeResources(context.Background(), root, "Foo"); err != nil {
		t.Fatalf("WriteCodeResources failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, codeSignatureDir, codeResourcesName))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(data, []byte("old seal")) {
		t.Error("seal was not replaced")
	}
}

func TestGenerateCodeResourcesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := GenerateCodeResources(ctx, sampleBundle(t), "Foo"); err == nil {
		t.Error("expected an error from a cancelled context")
	}
}

func TestShouldOmit(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{".DS_Store", true},
		{"folder/.DS_Store", true},
		{"._hidden", true},
		{"folder/._hidden", true},
		{"en.lproj/locversion.plist", true},
		{"AppIcon.png", false},
		{"Frameworks/Foo.framework/_CodeSignature/CodeResources", false},
		{"PlugIns/Widget.appex/_CodeSignature/CodeResources", false},
	}
	for _, tc := range tests {
		if got := shouldOmit(tc.path); got != tc.want {
			t.Errorf("shouldOmit(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

package signer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"

	"github.com/aluedeke/go-sideload/pkg/bundle"
	"github.com/aluedeke/go-sideload/pkg/codesign"
	"github.com/aluedeke/go-sideload/pkg/entitlements"
	"github.com/aluedeke/go-sideload/pkg/provision"
)

const team = "TEAM123456"

type signCall struct {
	dir          string
	entitlements map[string]interface{}
}

type recordingPrimitive struct {
	calls  []signCall
	failAt string
}

func (r *recordingPrimitive) SignBundle(_ context.Context, dir string, settings codesign.Settings) error {
	ents, err := provision.ParseEntitlements(settings.Entitlements)
	if err != nil {
		return err
	}
	r.calls = append(r.calls, signCall{dir: dir, entitlements: ents})
	if filepath.Base(dir) == r.failAt {
		return &codesign.SigningError{Path: dir, Err: errors.New("boom")}
	}
	return nil
}

func (r *recordingPrimitive) order(root string) []string {
	var out []string
	for _, c := range r.calls {
		rel, _ := filepath.Rel(root, c.dir)
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}

type fakeCert struct{}

func (fakeCert) SerialNumber() string { return "1a2b3c" }

func (fakeCert) PKCS12(password string) ([]byte, error) {
	return []byte("p12:" + password), nil
}

func writeBundle(t *testing.T, dir string, info map[string]interface{}) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := plist.MarshalIndent(info, plist.XMLFormat, "\t")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Info.plist"), data, 0o644))
	if exe, ok := info[bundle.KeyExecutable].(string); ok {
		require.NoError(t, os.WriteFile(filepath.Join(dir, exe), []byte("binary"), 0o755))
	}
}

// sampleApp builds Foo.app with a framework, an extension and a watch app
// whose companion identifier embeds the app identifier.
func sampleApp(t *testing.T) *bundle.Bundle {
	t.Helper()
	root := filepath.Join(t.TempDir(), "Foo.app")
	writeBundle(t, root, map[string]interface{}{
		bundle.KeyIdentifier: "com.foo.app",
		bundle.KeyExecutable: "Foo",
		bundle.KeyName:       "Foo",
	})
	writeBundle(t, filepath.Join(root, "Frameworks", "A.framework"), map[string]interface{}{
		bundle.KeyIdentifier: "com.vendor.a",
		bundle.KeyExecutable: "A",
	})
	writeBundle(t, filepath.Join(root, "PlugIns", "Share.appex"), map[string]interface{}{
		bundle.KeyIdentifier: "com.foo.app.share",
		bundle.KeyExecutable: "Share",
		bundle.KeyName:       "Share",
	})
	writeBundle(t, filepath.Join(root, "Watch", "W.app"), map[string]interface{}{
		bundle.KeyIdentifier:    "com.foo.app.watchkitapp",
		bundle.KeyExecutable:    "W",
		bundle.KeyWKCompanionID: "com.foo.app",
	})
	b, err := bundle.Open(root)
	require.NoError(t, err)
	return b
}

func profileFor(t *testing.T, appID string, ents map[string]interface{}) *provision.Profile {
	t.Helper()
	ents["application-identifier"] = team + "." + appID
	data, err := plist.MarshalIndent(map[string]interface{}{
		"Name":                        appID,
		"TeamIdentifier":              []string{team},
		"ApplicationIdentifierPrefix": []string{team},
		"Entitlements":                ents,
		"ExpirationDate":              time.Now().Add(24 * time.Hour),
	}, plist.XMLFormat, "\t")
	require.NoError(t, err)
	p, err := provision.Parse(data)
	require.NoError(t, err)
	return p
}

func noEntitlements(string) (entitlements.Entitlements, error) {
	return entitlements.Entitlements{}, nil
}

func TestSignDeepestFirst(t *testing.T) {
	root := sampleApp(t)
	prim := &recordingPrimitive{}
	var events []string
	s := New(prim, Options{}).WithProgress(func(e Event) { events = append(events, e.String()) })

	require.NoError(t, s.Sign(context.Background(), root, nil))

	assert.Equal(t, []string{"Frameworks/A.framework", "PlugIns/Share.appex", "Watch/W.app", "."}, prim.order(root.Dir()))
	assert.Equal(t, []string{"signing A", "signing Share", "signing W", "signing Foo"}, events)
	for _, c := range prim.calls {
		assert.Empty(t, c.entitlements, "without profiles every bundle gets an empty dictionary")
	}
	_, err := os.Stat(filepath.Join(root.Dir(), provision.EmbeddedName))
	assert.True(t, os.IsNotExist(err))
}

func TestSignEmbedsMatchingProfile(t *testing.T) {
	root := sampleApp(t)
	appProfile := profileFor(t, "com.foo.app", map[string]interface{}{
		"com.apple.developer.team-identifier": team,
		"get-task-allow":                      true,
	})
	shareProfile := profileFor(t, "com.foo.app.share", map[string]interface{}{})

	prim := &recordingPrimitive{}
	s := New(prim, Options{})
	s.readEntitlements = func(path string) (entitlements.Entitlements, error) {
		if filepath.Base(path) != "Foo" {
			return nil, errors.New("unsigned")
		}
		return entitlements.Entitlements{
			"keychain-access-groups": []interface{}{"ABCDE12345.com.foo.shared"},
		}, nil
	}

	require.NoError(t, s.Sign(context.Background(), root, []*provision.Profile{appProfile, shareProfile}))

	byDir := map[string]map[string]interface{}{}
	for _, c := range prim.calls {
		byDir[filepath.Base(c.dir)] = c.entitlements
	}
	assert.Empty(t, byDir["A.framework"])
	assert.Equal(t, team+".com.foo.app.share", byDir["Share.appex"]["application-identifier"])
	assert.Equal(t, team+".com.foo.app", byDir["Foo.app"]["application-identifier"])
	assert.Equal(t, []interface{}{team + ".com.foo.shared"}, byDir["Foo.app"]["keychain-access-groups"])

	embedded, err := os.ReadFile(filepath.Join(root.Dir(), "PlugIns", "Share.appex", provision.EmbeddedName))
	require.NoError(t, err)
	assert.Equal(t, shareProfile.Bytes(), embedded)
	embedded, err = os.ReadFile(filepath.Join(root.Dir(), provision.EmbeddedName))
	require.NoError(t, err)
	assert.Equal(t, appProfile.Bytes(), embedded)
	_, err = os.Stat(filepath.Join(root.Dir(), "Frameworks", "A.framework", provision.EmbeddedName))
	assert.True(t, os.IsNotExist(err))

	_, merged := appProfile.Entitlements["keychain-access-groups"]
	assert.False(t, merged, "shared profile must not be mutated")
}

func TestSignKeepsProfileGroupsForBinaryWithoutEntitlements(t *testing.T) {
	root := sampleApp(t)
	appProfile := profileFor(t, "com.foo.app", map[string]interface{}{
		"com.apple.developer.team-identifier": team,
		"keychain-access-groups":              []interface{}{"ABCDE12345.com.foo.shared"},
	})

	prim := &recordingPrimitive{}
	s := New(prim, Options{})
	s.readEntitlements = noEntitlements
	require.NoError(t, s.Sign(context.Background(), root, []*provision.Profile{appProfile}))

	var rootEnts map[string]interface{}
	for _, c := range prim.calls {
		if c.dir == root.Dir() {
			rootEnts = c.entitlements
		}
	}
	require.NotNil(t, rootEnts)
	assert.Equal(t, []interface{}{"ABCDE12345.com.foo.shared"}, rootEnts["keychain-access-groups"])
}

func TestSignSealsResourceBundles(t *testing.T) {
	root := sampleApp(t)
	writeBundle(t, filepath.Join(root.Dir(), "Res.bundle"), map[string]interface{}{
		bundle.KeyIdentifier: "com.foo.res",
	})
	appProfile := profileFor(t, "com.foo.app", map[string]interface{}{})

	prim := &recordingPrimitive{}
	s := New(prim, Options{})
	s.readEntitlements = noEntitlements
	require.NoError(t, s.Sign(context.Background(), root, []*provision.Profile{appProfile}))

	order := prim.order(root.Dir())
	assert.Contains(t, order, "Res.bundle")
	assert.Equal(t, ".", order[len(order)-1])
	for _, c := range prim.calls {
		if filepath.Base(c.dir) == "Res.bundle" {
			assert.Empty(t, c.entitlements)
		}
	}
	_, err := os.Stat(filepath.Join(root.Dir(), "Res.bundle", provision.EmbeddedName))
	assert.True(t, os.IsNotExist(err))
}

func TestSignFallsBackToFirstProfile(t *testing.T) {
	root := sampleApp(t)
	wildcard := profileFor(t, "*", map[string]interface{}{})

	prim := &recordingPrimitive{}
	s := New(prim, Options{})
	s.readEntitlements = noEntitlements
	require.NoError(t, s.Sign(context.Background(), root, []*provision.Profile{wildcard}))

	for _, c := range prim.calls {
		switch filepath.Base(c.dir) {
		case "Share.appex":
			assert.Equal(t, team+".com.foo.app.share", c.entitlements["application-identifier"])
		case "W.app":
			assert.Equal(t, team+".com.foo.app.watchkitapp", c.entitlements["application-identifier"])
		}
	}
}

func TestSignStopsOnFailure(t *testing.T) {
	root := sampleApp(t)
	prim := &recordingPrimitive{failAt: "Share.appex"}
	err := New(prim, Options{}).Sign(context.Background(), root, nil)

	var se *codesign.SigningError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []string{"Frameworks/A.framework", "PlugIns/Share.appex"}, prim.order(root.Dir()))
}

func TestSignCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	prim := &recordingPrimitive{}
	err := New(prim, Options{}).Sign(ctx, sampleApp(t), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, prim.calls)
}

func reopen(t *testing.T, dir string) *bundle.Bundle {
	t.Helper()
	b, err := bundle.Open(dir)
	require.NoError(t, err)
	return b
}

func TestModifyInstallModeSuffixesIdentifiers(t *testing.T) {
	root := sampleApp(t)
	s := New(&recordingPrimitive{}, Options{Mode: ModeInstall})
	require.NoError(t, s.Modify(root, team, nil))

	assert.Equal(t, "com.foo.app."+team, root.Identifier())
	share := reopen(t, filepath.Join(root.Dir(), "PlugIns", "Share.appex"))
	assert.Equal(t, "com.foo.app."+team+".share", share.Identifier())
	watch := reopen(t, filepath.Join(root.Dir(), "Watch", "W.app"))
	info, err := watch.Info()
	require.NoError(t, err)
	assert.Equal(t, "com.foo.app."+team, info[bundle.KeyWKCompanionID])
	lib := reopen(t, filepath.Join(root.Dir(), "Frameworks", "A.framework"))
	assert.Equal(t, "com.vendor.a", lib.Identifier())

	// A second run leaves the suffixed identifiers alone.
	require.NoError(t, s.Modify(root, team, nil))
	assert.Equal(t, "com.foo.app."+team, root.Identifier())
}

func TestModifyExportModeKeepsIdentifiers(t *testing.T) {
	root := sampleApp(t)
	require.NoError(t, New(&recordingPrimitive{}, Options{Mode: ModeExport}).Modify(root, team, nil))
	assert.Equal(t, "com.foo.app", root.Identifier())
}

func TestModifyCustomOptions(t *testing.T) {
	root := sampleApp(t)
	s := New(&recordingPrimitive{}, Options{
		CustomName:       "Bar",
		CustomVersion:    "2.0",
		CustomIdentifier: "org.bar",
		Features:         Features{MinimumOS: true, FileSharing: true, ProMotion: true},
	})
	require.NoError(t, s.Modify(root, team, nil))

	info, err := root.Info()
	require.NoError(t, err)
	assert.Equal(t, "Bar", info[bundle.KeyDisplayName])
	assert.Equal(t, "2.0", info[bundle.KeyShortVersion])
	assert.Equal(t, "2.0", info[bundle.KeyVersion])
	assert.Equal(t, "org.bar", info[bundle.KeyIdentifier])
	assert.Equal(t, "7.0", info["MinimumOSVersion"])
	assert.Equal(t, true, info["UIFileSharingEnabled"])
	assert.Equal(t, true, info["UISupportsDocumentBrowser"])
	assert.Equal(t, true, info["CADisableMinimumFrameDurationOnPhone"])
	assert.NotContains(t, info, "GCSupportsGameMode")

	share := reopen(t, filepath.Join(root.Dir(), "PlugIns", "Share.appex"))
	assert.Equal(t, "org.bar.share", share.Identifier())
	shareInfo, err := share.Info()
	require.NoError(t, err)
	assert.NotContains(t, shareInfo, "MinimumOSVersion", "features apply to the root only")
}

func TestModifyStoreFlavors(t *testing.T) {
	t.Run("SideStore", func(t *testing.T) {
		root := sampleApp(t)
		s := New(&recordingPrimitive{}, Options{Flavor: FlavorSideStore, Mode: ModeExport, CertificatePassword: "pw"})
		require.NoError(t, s.Modify(root, team, fakeCert{}))

		info, err := root.Info()
		require.NoError(t, err)
		assert.Equal(t, "1a2b3c", info[keyALTCertificateID])
		data, err := os.ReadFile(filepath.Join(root.Dir(), altCertificateFile))
		require.NoError(t, err)
		assert.Equal(t, "p12:pw", string(data))
	})

	t.Run("LiveContainer", func(t *testing.T) {
		root := sampleApp(t)
		fw := filepath.Join(root.Dir(), "Frameworks", sideStoreFramework)
		writeBundle(t, fw, map[string]interface{}{bundle.KeyIdentifier: "com.SideStore.SideStore", bundle.KeyExecutable: "SideStoreApp"})

		s := New(&recordingPrimitive{}, Options{Flavor: FlavorLiveContainerSideStore, Mode: ModeExport})
		require.NoError(t, s.Modify(root, team, fakeCert{}))

		info, err := reopen(t, fw).Info()
		require.NoError(t, err)
		assert.Equal(t, "1a2b3c", info[keyALTCertificateID])
		_, err = os.Stat(filepath.Join(fw, altCertificateFile))
		assert.NoError(t, err)
		_, err = os.Stat(filepath.Join(root.Dir(), altCertificateFile))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("without certificate", func(t *testing.T) {
		root := sampleApp(t)
		s := New(&recordingPrimitive{}, Options{Flavor: FlavorAltStore, Mode: ModeExport})
		require.NoError(t, s.Modify(root, team, nil))
		info, err := root.Info()
		require.NoError(t, err)
		assert.NotContains(t, info, keyALTCertificateID)
	})
}

func TestEventString(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{Event{Stage: StageRegisteringDevice}, "registering device"},
		{Event{Stage: StageExtracting}, "extracting package"},
		{Event{Stage: StageRegistering, Bundle: "Foo"}, "registering Foo"},
		{Event{Stage: StageSigning, Bundle: "Foo"}, "signing Foo"},
		{Event{Stage: StageInstalling, Percent: 42}, "installing… 42%"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.event.String())
	}
}

// Package signer rewrites an app bundle tree for its new owner and signs
// every bundle in it, nested bundles before the bundles that contain them.
package signer

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aluedeke/go-sideload/internal/atomicfile"
	"github.com/aluedeke/go-sideload/pkg/bundle"
	"github.com/aluedeke/go-sideload/pkg/codesign"
	"github.com/aluedeke/go-sideload/pkg/entitlements"
	"github.com/aluedeke/go-sideload/pkg/provision"
)

const (
	keyALTCertificateID = "ALTCertificateID"
	altCertificateFile  = "ALTCertificate.p12"
	sideStoreFramework  = "SideStoreApp.framework"
)

var emptyEntitlements = []byte(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict/>
</plist>
`)

// Primitive signs a single bundle in place. *codesign.Signer implements it.
type Primitive interface {
	SignBundle(ctx context.Context, dir string, settings codesign.Settings) error
}

// Certificate is the signing certificate handed to store flavors.
type Certificate interface {
	SerialNumber() string
	PKCS12(password string) ([]byte, error)
}

// Signer modifies and signs bundle trees.
type Signer struct {
	primitive        Primitive
	opts             Options
	log              zerolog.Logger
	progress         ProgressFunc
	readEntitlements func(path string) (entitlements.Entitlements, error)
}

// New returns a Signer that signs through primitive.
func New(primitive Primitive, opts Options) *Signer {
	return &Signer{
		primitive:        primitive,
		opts:             opts,
		log:              zerolog.Nop(),
		readEntitlements: entitlements.Read,
	}
}

// WithLogger sets the logger.
func (s *Signer) WithLogger(log zerolog.Logger) *Signer {
	s.log = log
	return s
}

// WithProgress sets the progress callback.
func (s *Signer) WithProgress(fn ProgressFunc) *Signer {
	s.progress = fn
	return s
}

// Options returns the options the signer was created with.
func (s *Signer) Options() Options { return s.opts }

// TargetIdentifier returns the identifier the root bundle ends up with
// for teamID, or "" when it is left alone.
func (s *Signer) TargetIdentifier(original, teamID string) string {
	if s.opts.CustomIdentifier != "" {
		return s.opts.CustomIdentifier
	}
	if s.opts.Mode != ModeInstall || original == "" || teamID == "" {
		return ""
	}
	if strings.HasSuffix(original, "."+teamID) {
		return ""
	}
	return original + "." + teamID
}

// Modify applies the name, version, identifier and feature options to the
// tree under root. cert may be nil; store flavors then skip writing their
// certificate.
func (s *Signer) Modify(root *bundle.Bundle, teamID string, cert Certificate) error {
	bundles, err := root.CollectSorted()
	if err != nil {
		return err
	}

	if s.opts.CustomName != "" {
		if err := root.SetName(s.opts.CustomName); err != nil {
			return err
		}
	}
	if s.opts.CustomVersion != "" {
		if err := root.SetVersion(s.opts.CustomVersion); err != nil {
			return err
		}
	}
	if err := root.Update(s.opts.Features.apply); err != nil {
		return err
	}

	orig := root.Identifier()
	if newID := s.TargetIdentifier(orig, teamID); newID != "" && orig != "" && newID != orig {
		for _, b := range bundles {
			changed, err := b.SetMatchingIdentifier(orig, newID)
			if err != nil {
				return err
			}
			if changed {
				s.log.Debug().Str("bundle", b.String()).Str("identifier", b.Identifier()).Msg("identifier rewritten")
			}
		}
	}

	if s.opts.Flavor.storeFlavor() && cert != nil {
		return s.writeStoreCertificate(root, bundles, cert)
	}
	return nil
}

func (f Features) apply(info map[string]interface{}) bool {
	set := func(key string, value interface{}) {
		info[key] = value
	}
	if f.MinimumOS {
		set("MinimumOSVersion", "7.0")
	}
	if f.FileSharing {
		set("UIFileSharingEnabled", true)
		set("UISupportsDocumentBrowser", true)
	}
	if f.IPadFullscreen {
		set("UIRequiresFullScreen", true)
	}
	if f.GameMode {
		set("GCSupportsGameMode", true)
	}
	if f.ProMotion {
		set("CADisableMinimumFrameDurationOnPhone", true)
	}
	return f != Features{}
}

func (s *Signer) writeStoreCertificate(root *bundle.Bundle, bundles []*bundle.Bundle, cert Certificate) error {
	target := root
	if s.opts.Flavor == FlavorLiveContainerSideStore {
		target = nil
		for _, b := range bundles {
			if filepath.Base(b.Dir()) == sideStoreFramework {
				target = b
				break
			}
		}
		if target == nil {
			s.log.Warn().Msg(sideStoreFramework + " not found, skipping store certificate")
			return nil
		}
	}

	p12, err := cert.PKCS12(s.opts.CertificatePassword)
	if err != nil {
		return err
	}
	if err := target.Set(keyALTCertificateID, cert.SerialNumber()); err != nil {
		return err
	}
	if err := atomicfile.WriteFile(filepath.Join(target.Dir(), altCertificateFile), p12, 0o644); err != nil {
		return err
	}
	s.log.Debug().Str("bundle", target.String()).Msg("store certificate written")
	return nil
}

// Sign signs every bundle under root, deepest first and root last. Apps
// and extensions get the profile whose application identifier matches
// theirs, or the first profile, embedded alongside its entitlements.
// Everything else is signed with an empty entitlements dictionary.
func (s *Signer) Sign(ctx context.Context, root *bundle.Bundle, profiles []*provision.Profile) error {
	bundles, err := root.CollectSorted()
	if err != nil {
		return err
	}
	for _, b := range bundles {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.progress.Emit(Event{Stage: StageSigning, Bundle: displayName(b)})

		ents, err := s.prepare(b, profiles)
		if err != nil {
			return err
		}
		if err := s.primitive.SignBundle(ctx, b.Dir(), codesign.Settings{Entitlements: ents}); err != nil {
			return err
		}
	}
	return nil
}

// prepare embeds the matching profile into b and returns the entitlements
// to sign b with.
func (s *Signer) prepare(b *bundle.Bundle, profiles []*provision.Profile) ([]byte, error) {
	if !b.Type().Provisionable() || len(profiles) == 0 {
		return emptyEntitlements, nil
	}
	id := b.Identifier()
	p := matchProfile(profiles, id).Clone()
	if id != "" {
		p.ReplaceWildcard(id)
	}
	if exe, err := b.ExecutablePath(); err == nil {
		ents, err := s.readEntitlements(exe)
		switch {
		case err != nil:
			s.log.Debug().Err(err).Str("bundle", b.String()).Msg("no binary entitlements to merge")
		case len(ents) == 0:
			// Unsigned or entitlement-free binaries keep the profile's groups as issued.
			s.log.Debug().Str("bundle", b.String()).Msg("binary declares no entitlements")
		default:
			p.MergeKeychainGroups(ents)
		}
	}

	if err := p.Embed(b.Dir()); err != nil {
		return nil, err
	}
	xml, err := p.EntitlementsXML()
	if err != nil {
		s.log.Warn().Err(err).Str("bundle", b.String()).Msg("signing without entitlements")
		return emptyEntitlements, nil
	}
	return xml, nil
}

func matchProfile(profiles []*provision.Profile, bundleID string) *provision.Profile {
	for _, p := range profiles {
		if bundleID != "" && p.BundleID() == bundleID {
			return p
		}
	}
	return profiles[0]
}

func displayName(b *bundle.Bundle) string {
	if name := b.Name(); name != "" {
		return name
	}
	return b.String()
}

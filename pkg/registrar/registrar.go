// Package registrar makes sure the developer portal knows about every
// provisionable bundle of an app before it is signed: app identifiers,
// capabilities, application groups and team provisioning profiles.
package registrar

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aluedeke/go-sideload/pkg/bundle"
	"github.com/aluedeke/go-sideload/pkg/developer"
	"github.com/aluedeke/go-sideload/pkg/entitlements"
	"github.com/aluedeke/go-sideload/pkg/provision"
)

// KeyALTAppGroups lists, on the root bundle, the team-suffixed group
// identifiers registered for SideStore and AltStore builds.
const KeyALTAppGroups = "ALTAppGroups"

// Portal is the subset of the developer portal the registrar needs.
type Portal interface {
	EnsureAppID(ctx context.Context, teamID, name, identifier string) (*developer.AppID, error)
	ListCapabilities(ctx context.Context, teamID string) ([]developer.Capability, error)
	UpdateBundleIDCapabilities(ctx context.Context, teamID, identifier string, capabilityIDs []string) (*developer.BundleID, error)
	EnsureAppGroup(ctx context.Context, teamID, name, identifier string) (*developer.AppGroup, error)
	AssignAppGroups(ctx context.Context, teamID, appIDID string, groupIDs []string) error
	DownloadProfile(ctx context.Context, teamID, appIDID string) (*developer.Profile, error)
}

// EntitlementSource reads the entitlements of the binary at path.
type EntitlementSource func(path string) (entitlements.Entitlements, error)

// Config configures a Registrar.
type Config struct {
	// SingleProfile registers only the root bundle.
	SingleProfile bool
	// RecordAppGroups writes ALTAppGroups to the root bundle.
	RecordAppGroups bool
	// Entitlements defaults to entitlements.Read.
	Entitlements EntitlementSource
	// OnBundle is called before each bundle is registered.
	OnBundle func(b *bundle.Bundle)
	Logger   zerolog.Logger
}

// Registrar registers bundles with one team.
type Registrar struct {
	portal Portal
	cfg    Config
	log    zerolog.Logger
}

// New returns a Registrar backed by portal.
func New(portal Portal, cfg Config) *Registrar {
	if cfg.Entitlements == nil {
		cfg.Entitlements = entitlements.Read
	}
	return &Registrar{portal: portal, cfg: cfg, log: cfg.Logger}
}

// Targets returns the bundles under root that get their own profile: the
// root itself and, unless SingleProfile is set, every nested app and
// extension.
func (r *Registrar) Targets(root *bundle.Bundle) ([]*bundle.Bundle, error) {
	targets := []*bundle.Bundle{root}
	if r.cfg.SingleProfile {
		return targets, nil
	}
	nested, err := root.Embedded()
	if err != nil {
		return nil, err
	}
	for _, b := range nested {
		if b.Type().Provisionable() {
			targets = append(targets, b)
		}
	}
	return targets, nil
}

// Register registers every target bundle under root with teamID, embeds
// the downloaded profiles and returns them. The first failure stops the
// run; bundles already registered stay registered, and a later run picks
// up where this one stopped.
func (r *Registrar) Register(ctx context.Context, root *bundle.Bundle, teamID string) ([]*provision.Profile, error) {
	targets, err := r.Targets(root)
	if err != nil {
		return nil, err
	}

	var (
		catalog  []developer.Capability
		profiles []*provision.Profile
	)
	for _, b := range targets {
		if !b.Type().Provisionable() {
			continue
		}
		if r.cfg.OnBundle != nil {
			r.cfg.OnBundle(b)
		}
		if catalog == nil {
			if catalog, err = r.portal.ListCapabilities(ctx, teamID); err != nil {
				return nil, fmt.Errorf("listing capabilities: %w", err)
			}
		}
		p, err := r.registerBundle(ctx, root, b, teamID, catalog)
		if err != nil {
			return nil, fmt.Errorf("registering %s: %w", b, err)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func (r *Registrar) registerBundle(ctx context.Context, root, b *bundle.Bundle, teamID string, catalog []developer.Capability) (*provision.Profile, error) {
	id := b.Identifier()
	if id == "" {
		return nil, &bundle.StructureError{Path: b.Dir(), Reason: "missing " + bundle.KeyIdentifier}
	}
	log := r.log.With().Str("bundle", id).Logger()

	appID, err := r.portal.EnsureAppID(ctx, teamID, b.Name(), id)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("app_id", appID.AppIDID).Msg("app id ready")

	exe, err := b.ExecutablePath()
	if err != nil {
		return nil, err
	}
	ents, err := r.cfg.Entitlements(exe)
	if err != nil {
		return nil, err
	}

	if caps := ents.CapabilityIDs(catalog); len(caps) > 0 {
		log.Debug().Strs("capabilities", caps).Msg("enabling capabilities")
		if _, err := r.portal.UpdateBundleIDCapabilities(ctx, teamID, id, caps); err != nil {
			return nil, err
		}
	}

	if groups := ents.AppGroups(); len(groups) > 0 {
		if err := r.registerGroups(ctx, root, appID, teamID, groups); err != nil {
			return nil, err
		}
	}

	issued, err := r.portal.DownloadProfile(ctx, teamID, appID.AppIDID)
	if err != nil {
		return nil, err
	}
	profile, err := provision.Parse(issued.Encoded)
	if err != nil {
		return nil, err
	}
	if err := profile.Embed(b.Dir()); err != nil {
		return nil, err
	}
	log.Info().Str("profile", issued.UUID).Msg("profile embedded")
	return profile, nil
}

func (r *Registrar) registerGroups(ctx context.Context, root *bundle.Bundle, appID *developer.AppID, teamID string, groups []string) error {
	var (
		ids      = make([]string, 0, len(groups))
		suffixed = make([]interface{}, 0, len(groups))
	)
	for _, g := range groups {
		name := g + "." + teamID
		group, err := r.portal.EnsureAppGroup(ctx, teamID, name, name)
		if err != nil {
			return err
		}
		ids = append(ids, group.ApplicationGroup)
		suffixed = append(suffixed, name)
	}
	if r.cfg.RecordAppGroups {
		if err := root.Set(KeyALTAppGroups, suffixed); err != nil {
			return err
		}
	}
	return r.portal.AssignAppGroups(ctx, teamID, appID.AppIDID, ids)
}

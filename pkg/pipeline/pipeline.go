// Package pipeline runs the whole sideloading flow for one bundle: device
// registration, signing identity, bundle rewrite, portal registration,
// signing and an optional install.
package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aluedeke/go-sideload/pkg/bundle"
	"github.com/aluedeke/go-sideload/pkg/codesign"
	"github.com/aluedeke/go-sideload/pkg/developer"
	"github.com/aluedeke/go-sideload/pkg/identity"
	"github.com/aluedeke/go-sideload/pkg/registrar"
	"github.com/aluedeke/go-sideload/pkg/signer"
)

// Portal is the subset of the developer portal a run needs.
type Portal interface {
	registrar.Portal
	EnsureDevice(ctx context.Context, teamID, name, udid string) (*developer.Device, error)
}

// Identities hands out the signing identity for a team.
// *identity.Manager implements it.
type Identities interface {
	Ensure(ctx context.Context, teamID string) (*identity.Identity, error)
}

// Installer installs a signed app on a device, reporting percentages.
type Installer interface {
	Install(ctx context.Context, appDir string, progress func(percent int)) error
}

// Config configures a run.
type Config struct {
	Options signer.Options
	// DeviceUDID is registered with the team before anything else when set.
	DeviceUDID string
	DeviceName string
	// Installer runs after signing when set.
	Installer Installer
	// Primitive signs single bundles. It defaults to a codesign.Signer
	// using the identity from Identities.
	Primitive signer.Primitive
	Progress  signer.ProgressFunc
	Logger    zerolog.Logger
}

// ProvisionAndSign registers the bundle at bundlePath with teamID, embeds
// the issued profiles and signs the tree in place. Each step runs after
// the previous one finished; the first error ends the run.
func ProvisionAndSign(ctx context.Context, bundlePath string, portal Portal, identities Identities, teamID string, cfg Config) error {
	log := cfg.Logger.With().Str("team", teamID).Logger()

	if cfg.DeviceUDID != "" {
		cfg.Progress.Emit(signer.Event{Stage: signer.StageRegisteringDevice})
		name := cfg.DeviceName
		if name == "" {
			name = cfg.DeviceUDID
		}
		if _, err := portal.EnsureDevice(ctx, teamID, name, cfg.DeviceUDID); err != nil {
			return fmt.Errorf("registering device: %w", err)
		}
	}

	id, err := identities.Ensure(ctx, teamID)
	if err != nil {
		return err
	}
	log.Debug().Str("serial", id.SerialNumber()).Msg("signing identity ready")

	root, err := bundle.Open(bundlePath)
	if err != nil {
		return err
	}

	primitive := cfg.Primitive
	if primitive == nil {
		csID, err := codesign.NewIdentity(id.Certificate, id.PrivateKey)
		if err != nil {
			return &identity.CertificateError{Reason: "preparing signing identity", Err: err}
		}
		primitive = codesign.NewSigner(csID, cfg.Logger)
	}
	s := signer.New(primitive, cfg.Options).WithLogger(cfg.Logger).WithProgress(cfg.Progress)

	if err := s.Modify(root, teamID, id); err != nil {
		return err
	}

	reg := registrar.New(portal, registrar.Config{
		SingleProfile:   cfg.Options.SingleProfile,
		RecordAppGroups: cfg.Options.Flavor.RecordsAppGroups(),
		OnBundle: func(b *bundle.Bundle) {
			cfg.Progress.Emit(signer.Event{Stage: signer.StageRegistering, Bundle: b.Name()})
		},
		Logger: cfg.Logger,
	})
	profiles, err := reg.Register(ctx, root, teamID)
	if err != nil {
		return err
	}

	if err := s.Sign(ctx, root, profiles); err != nil {
		return err
	}
	log.Info().Str("bundle", root.Identifier()).Int("profiles", len(profiles)).Msg("bundle signed")

	if cfg.Installer == nil {
		return nil
	}
	return cfg.Installer.Install(ctx, root.Dir(), func(percent int) {
		cfg.Progress.Emit(signer.Event{Stage: signer.StageInstalling, Percent: percent})
	})
}

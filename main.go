package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"

	"github.com/aluedeke/go-sideload/internal/ipa"
	"github.com/aluedeke/go-sideload/pkg/bundle"
	"github.com/aluedeke/go-sideload/pkg/codesign"
	"github.com/aluedeke/go-sideload/pkg/identity"
	"github.com/aluedeke/go-sideload/pkg/pipeline"
	"github.com/aluedeke/go-sideload/pkg/provision"
	"github.com/aluedeke/go-sideload/pkg/signer"
)

const version = "1.0.0"

const usage = `go-sideload - iOS App Provisioning and Signing Tool

Signs iOS apps with your own certificates, or registers them with a free or
paid Apple developer account and signs them with freshly issued profiles.

Usage:
  go-sideload sign --bundle=<path> [--pem=<file>...] [--p12=<file>] [--password=<password>] [--provision=<file>...] [--output=<path>] [--name=<name>] [--app-version=<version>] [--identifier=<id>] [--verbose]
  go-sideload login [--apple-id=<id>] [--config=<dir>] [--verbose]
  go-sideload teams [--apple-id=<id>] [--config=<dir>] [--verbose]
  go-sideload provision --bundle=<path> [--team=<id>] [--udid=<udid>] [--device-name=<name>] [--flavor=<flavor>] [--export] [--single-profile] [--output=<path>] [--name=<name>] [--app-version=<version>] [--identifier=<id>] [--apple-id=<id>] [--config=<dir>] [--verbose]
  go-sideload info --profile=<path>
  go-sideload -h | --help
  go-sideload --version

Commands:
  sign       Sign an IPA or .app bundle with a certificate and provisioning profiles
  login      Log in to an Apple ID, including two-factor authentication
  teams      List the development teams of an Apple ID
  provision  Register an app with the developer portal, then sign it
  info       Display information about a provisioning profile

Options:
  --bundle=<path>           Path to the input .ipa file or .app bundle directory
  --pem=<file>              PEM file with the certificate and/or private key (repeatable)
  --p12=<file>              P12 certificate file (or SIDELOAD_P12 env var)
  --password=<password>     Password for the P12 certificate (or SIDELOAD_P12_PASSWORD env var)
  --provision=<file>        Provisioning profile to embed (repeatable)
  --output=<path>           Output IPA path, defaults to input-signed.ipa (.app bundles are signed in place)
  --name=<name>             Custom app display name
  --app-version=<version>   Custom app version
  --identifier=<id>         Custom bundle identifier
  --apple-id=<id>           Apple ID (or SIDELOAD_APPLE_ID env var)
  --config=<dir>            Configuration directory (or SIDELOAD_CONFIG_DIR env var)
  --team=<id>               Team to provision with, defaults to the first team
  --udid=<udid>             Register this device with the team before signing
  --device-name=<name>      Name for the registered device
  --flavor=<flavor>         default, sidestore, altstore or livecontainer [default: default]
  --export                  Keep bundle identifiers instead of suffixing them with the team
  --single-profile          Only register and provision the main app
  --profile=<path>          Provisioning profile to inspect (info command)
  --verbose                 Enable debug logging
  -h --help                 Show this help message
  --version                 Show version

Environment Variables:
  SIDELOAD_APPLE_ID         Apple ID (overridden by --apple-id)
  SIDELOAD_PASSWORD         Apple ID password, prompted for when unset
  SIDELOAD_CONFIG_DIR       Configuration directory (overridden by --config)
  SIDELOAD_ANISETTE_URL     Anisette server URL
  SIDELOAD_P12              Path to P12 certificate file (overridden by --p12)
  SIDELOAD_P12_PASSWORD     P12 certificate password (overridden by --password)

Examples:
  # Sign an app bundle in place with PEM files and a profile
  go-sideload sign --bundle=MyApp.app --pem=cert.pem --pem=key.pem --provision=dev.mobileprovision

  # Sign an IPA with a P12 and rename it
  go-sideload sign --bundle=MyApp.ipa --p12=cert.p12 --password=secret --provision=dev.mobileprovision --name="My App"

  # Register and sign an IPA with an Apple ID, registering a device first
  go-sideload provision --bundle=MyApp.ipa --apple-id=me@example.com --udid=00008030-001A2B3C4D5E6F

  # View provisioning profile information
  go-sideload info --profile=dev.mobileprovision
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	verbose, _ := opts.Bool("--verbose")
	log := newLogger(verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var run func(context.Context, docopt.Opts, zerolog.Logger) error
	if ok, _ := opts.Bool("sign"); ok {
		run = runSign
	} else if ok, _ := opts.Bool("login"); ok {
		run = runLogin
	} else if ok, _ := opts.Bool("teams"); ok {
		run = runTeams
	} else if ok, _ := opts.Bool("provision"); ok {
		run = runProvision
	} else if ok, _ := opts.Bool("info"); ok {
		run = runInfo
	}
	if run == nil {
		return
	}
	if err := run(ctx, opts, log); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func stringOpt(opts docopt.Opts, name, env string) string {
	v, _ := opts.String(name)
	if v == "" && env != "" {
		v = os.Getenv(env)
	}
	return v
}

func listOpt(opts docopt.Opts, name string) []string {
	v, _ := opts[name].([]string)
	return v
}

func printProgress(e signer.Event) {
	fmt.Println(strings.ToUpper(e.String()[:1]) + e.String()[1:])
}

// stagedBundle is the .app to work on. For an IPA it lives in a scratch
// directory that finish repacks into the output path.
type stagedBundle struct {
	app     string
	scratch string
	output  string
}

func stage(ctx context.Context, input, output string) (*stagedBundle, error) {
	if !strings.EqualFold(filepath.Ext(input), ".ipa") {
		if output != "" {
			return nil, fmt.Errorf("--output only applies to .ipa input, .app bundles are signed in place")
		}
		return &stagedBundle{app: input}, nil
	}

	if output == "" {
		output = strings.TrimSuffix(input, filepath.Ext(input)) + "-signed.ipa"
	}
	printProgress(signer.Event{Stage: signer.StageExtracting})
	dir, err := ipa.Extract(ctx, input)
	if err != nil {
		return nil, err
	}
	app, err := ipa.FindApp(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &stagedBundle{app: app, scratch: dir, output: output}, nil
}

func (s *stagedBundle) finish(ctx context.Context) (string, error) {
	if s.scratch == "" {
		return s.app, nil
	}
	if err := ipa.Repack(ctx, s.scratch, s.output); err != nil {
		return "", fmt.Errorf("failed to repackage IPA: %w", err)
	}
	return s.output, nil
}

func (s *stagedBundle) cleanup() {
	if s.scratch != "" {
		os.RemoveAll(s.scratch)
	}
}

func customOptions(opts docopt.Opts) signer.Options {
	name, _ := opts.String("--name")
	appVersion, _ := opts.String("--app-version")
	identifier, _ := opts.String("--identifier")
	return signer.Options{
		CustomName:       name,
		CustomVersion:    appVersion,
		CustomIdentifier: identifier,
	}
}

func loadSigningIdentity(opts docopt.Opts) (*codesign.Identity, error) {
	if pems := listOpt(opts, "--pem"); len(pems) > 0 {
		var files [][]byte
		for _, path := range pems {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read PEM file: %w", err)
			}
			files = append(files, data)
		}
		return codesign.LoadPEM(files...)
	}
	if p12Path := stringOpt(opts, "--p12", "SIDELOAD_P12"); p12Path != "" {
		data, err := os.ReadFile(p12Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read P12 file: %w", err)
		}
		return codesign.LoadP12(data, stringOpt(opts, "--password", "SIDELOAD_P12_PASSWORD"))
	}
	return nil, nil
}

func runSign(ctx context.Context, opts docopt.Opts, log zerolog.Logger) error {
	input, _ := opts.String("--bundle")
	output, _ := opts.String("--output")

	id, err := loadSigningIdentity(opts)
	if err != nil {
		return err
	}
	var profiles []*provision.Profile
	for _, path := range listOpt(opts, "--provision") {
		p, err := provision.Load(path)
		if err != nil {
			return err
		}
		profiles = append(profiles, p)
	}

	var teamID string
	switch {
	case id != nil:
		teamID = id.TeamID
		for _, p := range profiles {
			if !p.MatchesCertificate(id.Certificate) {
				log.Warn().Str("profile", p.Name).Msg("profile does not include the signing certificate")
			}
		}
	case len(profiles) > 0:
		return fmt.Errorf("provisioning profiles need a certificate, pass --pem or --p12")
	default:
		log.Warn().Msg("no certificate given, signing ad hoc")
	}

	staged, err := stage(ctx, input, output)
	if err != nil {
		return err
	}
	defer staged.cleanup()

	root, err := bundle.Open(staged.app)
	if err != nil {
		return err
	}
	options := customOptions(opts)
	options.Mode = signer.ModeExport
	s := signer.New(codesign.NewSigner(id, log), options).WithLogger(log).WithProgress(printProgress)
	if err := s.Modify(root, teamID, nil); err != nil {
		return err
	}
	if err := s.Sign(ctx, root, profiles); err != nil {
		return err
	}

	out, err := staged.finish(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Successfully signed: %s\n", out)
	return nil
}

func runLogin(ctx context.Context, opts docopt.Opts, log zerolog.Logger) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	session, err := login(ctx, cfg, opts, log)
	if err != nil {
		return err
	}
	fmt.Printf("Logged in as %s (%s)\n", session.DisplayName(), session.Username())
	return nil
}

func runTeams(ctx context.Context, opts docopt.Opts, log zerolog.Logger) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	session, err := login(ctx, cfg, opts, log)
	if err != nil {
		return err
	}
	portal, err := newPortal(cfg, session, log)
	if err != nil {
		return err
	}
	teams, err := portal.ListTeams(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Teams")
	fmt.Println("=====")
	for _, t := range teams {
		fmt.Printf("%-12s %-10s %s\n", t.TeamID, t.Type, t.Name)
	}
	return nil
}

func parseFlavor(s string) (signer.Flavor, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return signer.FlavorDefault, nil
	case "sidestore":
		return signer.FlavorSideStore, nil
	case "altstore":
		return signer.FlavorAltStore, nil
	case "livecontainer":
		return signer.FlavorLiveContainerSideStore, nil
	}
	return 0, fmt.Errorf("unknown flavor %q", s)
}

func runProvision(ctx context.Context, opts docopt.Opts, log zerolog.Logger) error {
	input, _ := opts.String("--bundle")
	output, _ := opts.String("--output")
	teamID, _ := opts.String("--team")
	udid, _ := opts.String("--udid")
	deviceName, _ := opts.String("--device-name")
	flavorName, _ := opts.String("--flavor")
	export, _ := opts.Bool("--export")
	single, _ := opts.Bool("--single-profile")

	options := customOptions(opts)
	flavor, err := parseFlavor(flavorName)
	if err != nil {
		return err
	}
	options.Flavor = flavor
	options.SingleProfile = single
	if export {
		options.Mode = signer.ModeExport
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	session, err := login(ctx, cfg, opts, log)
	if err != nil {
		return err
	}
	portal, err := newPortal(cfg, session, log)
	if err != nil {
		return err
	}

	if teamID == "" {
		teams, err := portal.ListTeams(ctx)
		if err != nil {
			return err
		}
		if len(teams) == 0 {
			return fmt.Errorf("account has no development teams")
		}
		teamID = teams[0].TeamID
		log.Info().Str("team", teamID).Str("name", teams[0].Name).Msg("using first team")
	}

	manager := identity.NewManager(identity.Config{
		ConfigDir:   cfg.ConfigDir,
		AppleID:     session.Username(),
		MachineName: cfg.MachineName,
		Logger:      log,
	}, portal)

	staged, err := stage(ctx, input, output)
	if err != nil {
		return err
	}
	defer staged.cleanup()

	err = pipeline.ProvisionAndSign(ctx, staged.app, portal, manager, teamID, pipeline.Config{
		Options:    options,
		DeviceUDID: udid,
		DeviceName: deviceName,
		Progress:   printProgress,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	out, err := staged.finish(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Successfully provisioned and signed: %s\n", out)
	return nil
}

func runInfo(_ context.Context, opts docopt.Opts, _ zerolog.Logger) error {
	profilePath, _ := opts.String("--profile")
	profile, err := provision.Load(profilePath)
	if err != nil {
		return err
	}

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", profilePath)
	fmt.Printf("Name:           %s\n", profile.Name)
	fmt.Printf("Team ID:        %s\n", profile.TeamID())
	fmt.Printf("App ID:         %s\n", profile.ApplicationIdentifier())
	fmt.Printf("UUID:           %s\n", profile.UUID)
	fmt.Printf("Created:        %s\n", profile.CreationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expiration:     %s\n", profile.ExpirationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expired:        %v\n", profile.IsExpired(time.Now()))
	if certs, err := profile.Certificates(); err == nil {
		fmt.Printf("Certificates:   %d\n", len(certs))
		for i, cert := range certs {
			fmt.Printf("  [%d] %s\n", i+1, cert.Subject.CommonName)
			fmt.Printf("      Serial: %s\n", cert.SerialNumber.Text(16))
			fmt.Printf("      Expires: %s\n", cert.NotAfter.Format("2006-01-02"))
		}
	}

	if len(profile.ProvisionedDevices) > 0 {
		fmt.Printf("Devices:        %d\n", len(profile.ProvisionedDevices))
		for _, udid := range profile.ProvisionedDevices {
			fmt.Printf("  - %s\n", udid)
		}
	}

	if len(profile.Entitlements) > 0 {
		fmt.Println()
		fmt.Println("Entitlements:")
		keys := make([]string, 0, len(profile.Entitlements))
		for k := range profile.Entitlements {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %v\n", k, profile.Entitlements[k])
		}
	}
	return nil
}

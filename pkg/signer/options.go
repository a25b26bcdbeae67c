package signer

// Flavor selects app-specific handling for sideloading stores.
type Flavor int

const (
	FlavorDefault Flavor = iota
	FlavorSideStore
	FlavorAltStore
	// FlavorLiveContainerSideStore is LiveContainer with SideStore embedded
	// as Frameworks/SideStoreApp.framework.
	FlavorLiveContainerSideStore
)

func (f Flavor) String() string {
	switch f {
	case FlavorSideStore:
		return "SideStore"
	case FlavorAltStore:
		return "AltStore"
	case FlavorLiveContainerSideStore:
		return "LiveContainer+SideStore"
	default:
		return "Default"
	}
}

// storeFlavor reports whether f carries an ALTCertificate.
func (f Flavor) storeFlavor() bool {
	return f == FlavorSideStore || f == FlavorAltStore || f == FlavorLiveContainerSideStore
}

// RecordsAppGroups reports whether registered app groups are listed in the
// root bundle's ALTAppGroups key.
func (f Flavor) RecordsAppGroups() bool {
	return f == FlavorSideStore || f == FlavorAltStore
}

// Mode is what the signed bundle is for.
type Mode int

const (
	// ModeInstall suffixes the bundle identifier with the team so it does
	// not collide with the App Store build.
	ModeInstall Mode = iota
	// ModeExport keeps identifiers as they are.
	ModeExport
)

// Features are optional Info.plist tweaks applied to the root bundle.
type Features struct {
	MinimumOS      bool
	FileSharing    bool
	IPadFullscreen bool
	GameMode       bool
	ProMotion      bool
}

// Options control how a bundle is modified and signed.
type Options struct {
	CustomName       string
	CustomVersion    string
	CustomIdentifier string
	Features         Features
	// SingleProfile embeds a profile only in the root bundle.
	SingleProfile bool
	Flavor        Flavor
	Mode          Mode
	// CertificatePassword protects ALTCertificate.p12.
	CertificatePassword string
}

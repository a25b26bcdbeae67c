// Package codesign signs iOS bundles without Apple's codesign tool.
//
// Code signature blobs are produced by go-macho; this package supplies the
// CMS signer, the Apple certificate chain, the DER form of entitlements and
// the _CodeSignature/CodeResources seal. A Signer signs one bundle at a
// time and expects nested bundles to have been signed before their
// container:
//
//	id, err := codesign.LoadP12(p12, password)
//	if err != nil {
//	    return err
//	}
//	s := codesign.NewSigner(id, logger)
//	err = s.SignBundle(ctx, appDir, codesign.Settings{Entitlements: ents})
package codesign

// Package provision parses .mobileprovision files and prepares their
// entitlements for a specific bundle: wildcard substitution, keychain group
// merging and team rewriting, and XML rendering for the code signature.
package provision

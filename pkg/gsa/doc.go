// Package gsa authenticates an Apple ID against Apple's GrandSlam
// authentication service.
//
// A login runs two SRP-6a rounds (init and complete) and decrypts the
// server provided data with keys derived from the shared secret. When the
// account has two-factor authentication enabled the server answers with a
// secondary auth marker and the Flow moves through the trusted-device or
// SMS states; an accepted code always requires another password round.
// Client.Login walks that state machine with caller supplied callbacks and
// returns a Session only when it is fully authenticated.
//
// A Session mints service scoped app tokens on demand. Tokens are sealed
// with AES-256-GCM under the session key and cached per service in a Vault.
package gsa

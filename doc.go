// Package main provides the go-sideload CLI for provisioning and signing
// iOS apps.
//
// The building blocks live in the pkg/ subpackages:
//
//	import "github.com/aluedeke/go-sideload/pkg/gsa"      // Apple ID login
//	import "github.com/aluedeke/go-sideload/pkg/pipeline" // register and sign
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/aluedeke/go-sideload@latest
package main

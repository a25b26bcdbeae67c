// Package entitlements reads the entitlements a Mach-O binary was signed
// with and maps them onto portal capabilities.
package entitlements

import (
	"os"
	"sort"

	"github.com/blacktop/go-macho"
	"howett.net/plist"

	"github.com/aluedeke/go-sideload/pkg/developer"
	"github.com/aluedeke/go-sideload/pkg/provision"
)

const keyAppGroups = "com.apple.security.application-groups"

// Entitlements is an entitlements dictionary.
type Entitlements map[string]interface{}

// Read returns the entitlements embedded in the binary at path. Fat
// binaries are read from their first slice. An unsigned or ad-hoc signed
// binary without entitlements yields an empty dictionary.
func Read(path string) (Entitlements, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &provision.Error{Reason: "opening " + path, Err: err}
	}
	defer f.Close()

	m, err := macho.NewFile(f)
	if err != nil {
		fat, ferr := macho.NewFatFile(f)
		if ferr != nil {
			return nil, &provision.Error{Reason: "not a Mach-O binary: " + path, Err: err}
		}
		defer fat.Close()
		if len(fat.Arches) == 0 {
			return nil, &provision.Error{Reason: "fat binary without slices: " + path}
		}
		return FromMachO(fat.Arches[0].File)
	}
	defer m.Close()
	return FromMachO(m)
}

// FromMachO returns the entitlements of a parsed thin binary.
func FromMachO(m *macho.File) (Entitlements, error) {
	cs := m.CodeSignature()
	if cs == nil || cs.Entitlements == "" {
		return Entitlements{}, nil
	}
	return Parse([]byte(cs.Entitlements))
}

// Parse decodes an entitlements plist.
func Parse(data []byte) (Entitlements, error) {
	var ents map[string]interface{}
	if _, err := plist.Unmarshal(data, &ents); err != nil {
		return nil, &provision.Error{Reason: "decoding entitlements", Err: err}
	}
	if ents == nil {
		return Entitlements{}, nil
	}
	return ents, nil
}

// Keys returns the entitlement keys in sorted order.
func (e Entitlements) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AppGroups returns the application group identifiers the binary claims.
func (e Entitlements) AppGroups() []string {
	raw, ok := e[keyAppGroups].([]interface{})
	if !ok {
		return nil
	}
	groups := make([]string, 0, len(raw))
	for _, g := range raw {
		if s, ok := g.(string); ok {
			groups = append(groups, s)
		}
	}
	return groups
}

// CapabilityIDs returns the ids of catalog capabilities that declare at
// least one of the binary's entitlement keys, in catalog order.
func (e Entitlements) CapabilityIDs(catalog []developer.Capability) []string {
	var ids []string
	for i := range catalog {
		for _, key := range catalog[i].EntitlementKeys() {
			if _, ok := e[key]; ok {
				ids = append(ids, catalog[i].ID)
				break
			}
		}
	}
	return ids
}

package provision

import (
	"howett.net/plist"
)

// MarshalEntitlements renders entitlements as an XML plist. A nil map
// renders as an empty dictionary.
func MarshalEntitlements(ents map[string]interface{}) ([]byte, error) {
	if ents == nil {
		ents = map[string]interface{}{}
	}
	data, err := plist.MarshalIndent(ents, plist.XMLFormat, "\t")
	if err != nil {
		return nil, &Error{Reason: "encoding entitlements", Err: err}
	}
	return data, nil
}

// ParseEntitlements decodes an entitlements plist in any plist format.
func ParseEntitlements(data []byte) (map[string]interface{}, error) {
	var ents map[string]interface{}
	if _, err := plist.Unmarshal(data, &ents); err != nil {
		return nil, &Error{Reason: "decoding entitlements", Err: err}
	}
	if ents == nil {
		ents = map[string]interface{}{}
	}
	return ents, nil
}

// Merge returns base overlaid with override.
func Merge(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

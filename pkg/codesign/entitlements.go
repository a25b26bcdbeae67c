package codesign

import (
	"encoding/asn1"
	"fmt"
	"math"
	"sort"

	"github.com/aluedeke/go-sideload/pkg/provision"
)

// DER tags used by Apple's entitlements encoding.
const (
	tagBoolean    = 0x01
	tagUTF8String = 0x0c
	tagSequence   = 0x30
	tagTopLevel   = 0x70 // [APPLICATION 16], constructed
	tagDict       = 0xb0 // [16], constructed
)

// EntitlementsDER converts an XML entitlements plist into the DER form
// stored in code signature slot 7. An empty document yields nil.
func EntitlementsDER(xml []byte) ([]byte, error) {
	if len(xml) == 0 {
		return nil, nil
	}
	ents, err := provision.ParseEntitlements(xml)
	if err != nil {
		return nil, err
	}
	return encodeEntitlements(ents)
}

// encodeEntitlements renders APPLICATION 16 { INTEGER 1, dict }.
func encodeEntitlements(ents map[string]interface{}) ([]byte, error) {
	dict, err := encodeDict(ents)
	if err != nil {
		return nil, err
	}
	version, err := asn1.Marshal(1)
	if err != nil {
		return nil, err
	}
	return tlv(tagTopLevel, append(version, dict...)), nil
}

// encodeDict renders [16] { SEQUENCE { key, value }... } with keys sorted.
func encodeDict(dict map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []byte
	for _, k := range keys {
		v, err := encodeValue(dict[k])
		if err != nil {
			return nil, fmt.Errorf("entitlement %s: %w", k, err)
		}
		pairs = append(pairs, tlv(tagSequence, append(tlv(tagUTF8String, []byte(k)), v...))...)
	}
	return tlv(tagDict, pairs), nil
}

func encodeValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case bool:
		if val {
			return []byte{tagBoolean, 1, 0xff}, nil
		}
		return []byte{tagBoolean, 1, 0}, nil
	case string:
		return tlv(tagUTF8String, []byte(val)), nil
	case int:
		return asn1.Marshal(int64(val))
	case int64:
		return asn1.Marshal(val)
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d out of range", val)
		}
		return asn1.Marshal(int64(val))
	case []interface{}:
		var items []byte
		for _, item := range val {
			b, err := encodeValue(item)
			if err != nil {
				return nil, err
			}
			items = append(items, b...)
		}
		return tlv(tagSequence, items), nil
	case map[string]interface{}:
		return encodeDict(val)
	default:
		return nil, fmt.Errorf("unsupported plist type %T", v)
	}
}

// tlv prefixes content with tag and a DER definite length.
func tlv(tag byte, content []byte) []byte {
	n := len(content)
	out := []byte{tag}
	switch {
	case n < 0x80:
		out = append(out, byte(n))
	default:
		var lenBytes []byte
		for l := n; l > 0; l >>= 8 {
			lenBytes = append([]byte{byte(l)}, lenBytes...)
		}
		out = append(out, 0x80|byte(len(lenBytes)))
		out = append(out, lenBytes...)
	}
	return append(out, content...)
}

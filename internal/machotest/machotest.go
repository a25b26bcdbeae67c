// Package machotest builds minimal Mach-O images for tests.
package machotest

import (
	"bytes"
	"encoding/binary"
)

const (
	magic64         = 0xfeedfacf
	cpuARM64        = 0x0100000c
	fileExecute     = 0x2
	lcCodeSignature = 0x1d

	csSuperBlob    = 0xfade0cc0
	csEntitlements = 0xfade7171
	slotEnts       = 5

	fatMagic = 0xcafebabe
	fatAlign = 14
)

// Thin returns a 64-bit arm64 executable image. When ents is non-empty it
// carries an LC_CODE_SIGNATURE whose super blob holds only an entitlements
// blob with ents as its plist body.
func Thin(ents []byte) []byte {
	var sig []byte
	if len(ents) > 0 {
		sig = superBlob(ents)
	}

	var cmds bytes.Buffer
	ncmds := uint32(0)
	const headerSize = 32
	if sig != nil {
		ncmds++
		dataOff := uint32(headerSize + 16)
		_ = binary.Write(&cmds, binary.LittleEndian, [4]uint32{lcCodeSignature, 16, dataOff, uint32(len(sig))})
	}

	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, [8]uint32{
		magic64, cpuARM64, 0, fileExecute, ncmds, uint32(cmds.Len()), 0, 0,
	})
	out.Write(cmds.Bytes())
	out.Write(sig)
	return out.Bytes()
}

func superBlob(ents []byte) []byte {
	var blob bytes.Buffer
	_ = binary.Write(&blob, binary.BigEndian, [2]uint32{csEntitlements, uint32(8 + len(ents))})
	blob.Write(ents)

	const indexOff = 12 + 8
	var sb bytes.Buffer
	_ = binary.Write(&sb, binary.BigEndian, [5]uint32{
		csSuperBlob, uint32(indexOff + blob.Len()), 1, slotEnts, indexOff,
	})
	sb.Write(blob.Bytes())
	return sb.Bytes()
}

// Fat wraps thin images in a universal binary, each slice aligned to 16KiB.
func Fat(slices ...[]byte) []byte {
	const align = 1 << fatAlign
	var out bytes.Buffer
	_ = binary.Write(&out, binary.BigEndian, [2]uint32{fatMagic, uint32(len(slices))})

	offset := uint32(align)
	offsets := make([]uint32, len(slices))
	for i, s := range slices {
		offsets[i] = offset
		_ = binary.Write(&out, binary.BigEndian, [5]uint32{cpuARM64, 0, offset, uint32(len(s)), fatAlign})
		offset += (uint32(len(s)) + align - 1) &^ (align - 1)
	}
	for i, s := range slices {
		out.Write(make([]byte, int(offsets[i])-out.Len()))
		out.Write(s)
	}
	return out.Bytes()
}

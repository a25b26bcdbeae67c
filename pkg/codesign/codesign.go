package codesign

import (
	"bytes"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/pkg/codesign"
	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
	"github.com/blacktop/go-macho/types"
	"go.mozilla.org/pkcs7"

	"github.com/aluedeke/go-sideload/internal/atomicfile"
)

const (
	fatMagic    = 0xcafebabe
	fatArchSize = 20
	sliceAlign  = 0x4000
)

// SignMachO signs the thin or universal binary at path in place.
// entitlements is an XML plist and may be empty.
func SignMachO(path string, id *Identity, entitlements []byte, bundleID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	var signed []byte
	if m, err := macho.NewFile(bytes.NewReader(data)); err == nil {
		signed, err = signThin(data, m, id, entitlements, bundleID)
		m.Close()
		if err != nil {
			return err
		}
	} else {
		signed, err = signFat(data, id, entitlements, bundleID)
		if err != nil {
			return err
		}
	}
	return atomicfile.WriteFile(path, signed, info.Mode().Perm())
}

func signThin(data []byte, m *macho.File, id *Identity, entitlements []byte, bundleID string) ([]byte, error) {
	headerSize := uint32(32)
	if m.Magic == types.Magic32 {
		headerSize = 28
	}

	var (
		textOffset, textSize uint64
		linkeditCmd          uint32
		linkeditFileoff      uint64
		csCmd                uint32
		codeSize             uint64
		haveCS               bool
	)
	off := headerSize
	for _, l := range m.Loads {
		switch load := l.(type) {
		case *macho.Segment:
			switch load.Name {
			case "__TEXT":
				textOffset, textSize = load.Offset, load.Filesz
			case "__LINKEDIT":
				linkeditCmd, linkeditFileoff = off, load.Offset
			}
		case *macho.CodeSignature:
			csCmd, codeSize, haveCS = off, uint64(load.Offset), true
		}
		off += l.LoadSize()
	}
	if !haveCS {
		return nil, fmt.Errorf("binary has no LC_CODE_SIGNATURE load command")
	}

	var teamID string
	flags := ctypes.ADHOC
	if id != nil {
		flags = ctypes.NONE
		teamID = id.TeamID
	}

	der, err := EntitlementsDER(entitlements)
	if err != nil {
		return nil, err
	}

	config := &codesign.Config{
		ID:              bundleID,
		TeamID:          teamID,
		IsMain:          true,
		Flags:           flags,
		CodeSize:        codeSize,
		TextOffset:      textOffset,
		TextSize:        textSize,
		Entitlements:    entitlements,
		EntitlementsDER: der,
	}
	if id != nil {
		config.CertChain = id.Chain
		config.SignerFunction = cmsSigner(id)
	}
	config.InitSlotHashes()
	if len(entitlements) > 0 {
		config.SpecialSlots = make([]ctypes.SpecialSlot, 7)
	}

	// The load commands are patched for the final signature size before
	// the page hashes are computed.
	sigSize := codesign.EstimateCodeSignatureSize(config)
	sigSize = (sigSize + sliceAlign - 1) &^ (sliceAlign - 1)

	out := make([]byte, codeSize, codeSize+sigSize)
	copy(out, data[:codeSize])
	binary.LittleEndian.PutUint32(out[csCmd+8:], uint32(codeSize))
	binary.LittleEndian.PutUint32(out[csCmd+12:], uint32(sigSize))

	if linkeditCmd > 0 {
		filesz := codeSize + sigSize - linkeditFileoff
		vmsize := (filesz + 0xfff) &^ 0xfff
		if m.Magic == types.Magic64 {
			binary.LittleEndian.PutUint64(out[linkeditCmd+24:], vmsize)
			binary.LittleEndian.PutUint64(out[linkeditCmd+40:], filesz)
		} else {
			binary.LittleEndian.PutUint32(out[linkeditCmd+28:], uint32(vmsize))
			binary.LittleEndian.PutUint32(out[linkeditCmd+36:], uint32(filesz))
		}
	}

	sig, err := codesign.Sign(bytes.NewReader(out), config)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	if uint64(len(sig)) > sigSize {
		return nil, fmt.Errorf("signature of %d bytes exceeds reserved %d", len(sig), sigSize)
	}
	padded := make([]byte, sigSize)
	copy(padded, sig)
	// The super blob length covers the padding.
	binary.BigEndian.PutUint32(padded[4:], uint32(sigSize))

	return append(out, padded...), nil
}

func signFat(data []byte, id *Identity, entitlements []byte, bundleID string) ([]byte, error) {
	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("not a Mach-O binary: %w", err)
	}
	defer fat.Close()

	slices := make([][]byte, len(fat.Arches))
	for i, arch := range fat.Arches {
		raw := data[arch.Offset : uint64(arch.Offset)+uint64(arch.Size)]
		m, err := macho.NewFile(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse slice %d: %w", i, err)
		}
		slices[i], err = signThin(raw, m, id, entitlements, bundleID)
		m.Close()
		if err != nil {
			return nil, fmt.Errorf("slice %s: %w", arch.CPU, err)
		}
	}

	var out bytes.Buffer
	_ = binary.Write(&out, binary.BigEndian, [2]uint32{fatMagic, uint32(len(slices))})
	offset := uint32(8 + fatArchSize*len(slices))
	offsets := make([]uint32, len(slices))
	for i, arch := range fat.Arches {
		offset = (offset + sliceAlign - 1) &^ (sliceAlign - 1)
		offsets[i] = offset
		_ = binary.Write(&out, binary.BigEndian, [5]uint32{
			uint32(arch.CPU), uint32(arch.SubCPU), offset, uint32(len(slices[i])), arch.Align,
		})
		offset += uint32(len(slices[i]))
	}
	for i, s := range slices {
		out.Write(make([]byte, int(offsets[i])-out.Len()))
		out.Write(s)
	}
	return out.Bytes(), nil
}

// cmsSigner returns the go-macho signer callback that wraps a code
// directory in a detached CMS signature from id.
func cmsSigner(id *Identity) func([]byte) ([]byte, error) {
	return func(cd []byte) ([]byte, error) {
		sd, err := pkcs7.NewSignedData(cd)
		if err != nil {
			return nil, fmt.Errorf("failed to create signed data: %w", err)
		}
		var parents []*x509.Certificate
		if len(id.Chain) > 1 {
			parents = id.Chain[1:]
		}
		if err := sd.AddSignerChain(id.Certificate, id.PrivateKey, parents, pkcs7.SignerInfoConfig{}); err != nil {
			return nil, fmt.Errorf("failed to add signer: %w", err)
		}
		sd.Detach()
		return sd.Finish()
	}
}

// IsMachO reports whether the file at path starts with a Mach-O or
// universal binary magic.
func IsMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false
	}
	switch binary.LittleEndian.Uint32(magic[:]) {
	case uint32(types.Magic32), uint32(types.Magic64):
		return true
	}
	switch binary.BigEndian.Uint32(magic[:]) {
	case fatMagic, fatMagic + 1:
		return true
	}
	return false
}

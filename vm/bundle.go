package vm

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Bundle: on-disk form of a compiled instruction block
// ---------------------------------------------------------------------------

// Bundles use canonical CBOR for deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bundle: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

const (
	bundleMagic   = "CHARLY\x00B"
	bundleVersion = 1
)

// bundleFile is the wire layout. Constants are immediate values and
// travel as their raw 64-bit encodings; strings and symbols go through
// the string table.
type bundleFile struct {
	Magic     string      `cbor:"1,keyasint"`
	Version   uint32      `cbor:"2,keyasint"`
	Data      []byte      `cbor:"3,keyasint"`
	Constants []uint64    `cbor:"4,keyasint"`
	Strings   []string    `cbor:"5,keyasint"`
	LineMap   []LineEntry `cbor:"6,keyasint"`
	LVarCount uint32      `cbor:"7,keyasint"`
}

// MarshalBundle serializes an instruction block to CBOR bytes.
func MarshalBundle(block *InstructionBlock) ([]byte, error) {
	constants := make([]uint64, len(block.Constants))
	for i, c := range block.Constants {
		if c.IsPointer() {
			return nil, fmt.Errorf("bundle: constant %d is a heap pointer and cannot be persisted", i)
		}
		constants[i] = uint64(c)
	}

	return cborEncMode.Marshal(&bundleFile{
		Magic:     bundleMagic,
		Version:   bundleVersion,
		Data:      block.Data,
		Constants: constants,
		Strings:   block.Strings,
		LineMap:   block.LineMap,
		LVarCount: block.LVarCount,
	})
}

// UnmarshalBundle deserializes an instruction block from CBOR bytes.
func UnmarshalBundle(data []byte) (*InstructionBlock, error) {
	var file bundleFile
	if err := cbor.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("bundle: unmarshal: %w", err)
	}
	if file.Magic != bundleMagic {
		return nil, fmt.Errorf("bundle: bad magic")
	}
	if file.Version != bundleVersion {
		return nil, fmt.Errorf("bundle: unsupported version %d (want %d)", file.Version, bundleVersion)
	}

	constants := make([]Value, len(file.Constants))
	for i, bits := range file.Constants {
		v := Value(bits)
		if v.IsPointer() {
			return nil, fmt.Errorf("bundle: constant %d decodes to a heap pointer", i)
		}
		constants[i] = v
	}

	return &InstructionBlock{
		Data:        file.Data,
		WriteOffset: len(file.Data),
		Constants:   constants,
		Strings:     file.Strings,
		LineMap:     file.LineMap,
		LVarCount:   file.LVarCount,
	}, nil
}

// SaveBundle writes a block to a bundle file.
func SaveBundle(path string, block *InstructionBlock) error {
	data, err := MarshalBundle(block)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("bundle: write %s: %w", path, err)
	}
	return nil
}

// LoadBundle reads a block from a bundle file.
func LoadBundle(path string) (*InstructionBlock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bundle: read %s: %w", path, err)
	}
	return UnmarshalBundle(data)
}

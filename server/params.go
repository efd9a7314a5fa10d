package server

import (
	"fmt"
	"strings"
)

// TransferType is the representation type set by TYPE.
type TransferType byte

const (
	TypeASCII  TransferType = 'A'
	TypeEBCDIC TransferType = 'E'
	TypeBinary TransferType = 'I'
	TypeLocal  TransferType = 'L'
)

// ParseTransferType parses a TYPE argument. "L 8" is reported as TypeBinary.
// Format controls other than Non-print and byte sizes other than 8 fail with
// ErrUnsupportedParameter. Whether the parsed type is usable is decided by
// Session.SetTransferType.
func ParseTransferType(arg string) (TransferType, error) {
	fields := strings.Fields(strings.ToUpper(arg))
	if len(fields) == 0 || len(fields) > 2 || len(fields[0]) != 1 {
		return 0, fmt.Errorf("%w: type %q", ErrUnsupportedParameter, arg)
	}
	switch t := TransferType(fields[0][0]); t {
	case TypeASCII, TypeEBCDIC:
		if len(fields) == 1 || fields[1] == "N" {
			return t, nil
		}
	case TypeBinary:
		if len(fields) == 1 {
			return t, nil
		}
	case TypeLocal:
		if len(fields) == 2 && fields[1] == "8" {
			return TypeBinary, nil
		}
	}
	return 0, fmt.Errorf("%w: type %q", ErrUnsupportedParameter, arg)
}

func (t TransferType) String() string {
	switch t {
	case TypeASCII:
		return "ASCII"
	case TypeBinary:
		return "BINARY"
	case TypeEBCDIC:
		return "EBCDIC"
	case TypeLocal:
		return "LOCAL"
	}
	return "UNKNOWN"
}

// Structure is the file structure set by STRU.
type Structure byte

const (
	StructureFile   Structure = 'F'
	StructureRecord Structure = 'R'
	StructurePage   Structure = 'P'
)

// ParseStructure parses a STRU argument.
func ParseStructure(arg string) (Structure, error) {
	arg = strings.ToUpper(strings.TrimSpace(arg))
	if len(arg) != 1 {
		return 0, fmt.Errorf("%w: structure %q", ErrUnsupportedParameter, arg)
	}
	switch st := Structure(arg[0]); st {
	case StructureFile, StructureRecord, StructurePage:
		return st, nil
	}
	return 0, fmt.Errorf("%w: structure %q", ErrUnsupportedParameter, arg)
}

func (st Structure) String() string {
	switch st {
	case StructureFile:
		return "File"
	case StructureRecord:
		return "Record"
	case StructurePage:
		return "Page"
	}
	return "Unknown"
}

// TransferMode is the transmission mode set by MODE.
type TransferMode byte

const (
	ModeStream TransferMode = 'S'
	ModeBlock  TransferMode = 'B'
	// ModeCompressed deflates the data stream with zlib ("MODE Z").
	ModeCompressed TransferMode = 'Z'
	// ModeRunLength is the run-length compression of RFC 959 ("MODE C").
	ModeRunLength TransferMode = 'C'
)

// ParseMode parses a MODE argument.
func ParseMode(arg string) (TransferMode, error) {
	arg = strings.ToUpper(strings.TrimSpace(arg))
	if len(arg) != 1 {
		return 0, fmt.Errorf("%w: mode %q", ErrUnsupportedParameter, arg)
	}
	switch m := TransferMode(arg[0]); m {
	case ModeStream, ModeBlock, ModeCompressed, ModeRunLength:
		return m, nil
	}
	return 0, fmt.Errorf("%w: mode %q", ErrUnsupportedParameter, arg)
}

func (m TransferMode) String() string {
	switch m {
	case ModeStream:
		return "Stream"
	case ModeBlock:
		return "Block"
	case ModeCompressed:
		return "Compressed"
	case ModeRunLength:
		return "Run-length"
	}
	return "Unknown"
}

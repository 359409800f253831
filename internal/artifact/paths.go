// Package artifact maps build keys to their files on disk.
package artifact

import (
	"errors"
	"fmt"
	"path"
)

const (
	StructureDir = "structures"
	DihedralDir  = "dihedrals"
	FailLogDir   = "faillogs"
)

// ErrUnknownKind is returned when an artifact kind name is not recognised.
var ErrUnknownKind = errors.New("unknown artifact kind")

// Kind names one of the files that belong to a build.
type Kind string

const (
	KindStructure Kind = "structure"
	KindCompanion Kind = "companion"
	KindPrePSF    Kind = "prepsf"
	KindDihedral  Kind = "dihedral"
	KindLog       Kind = "log"
)

// Kinds lists every artifact kind in a stable order.
var Kinds = []Kind{KindStructure, KindCompanion, KindPrePSF, KindDihedral, KindLog}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Paths holds the slash-separated paths of a build's files, relative to the
// data directory. They depend only on the build key.
type Paths struct {
	// OutputBase is the structure path without extension; the builder tool
	// appends its own extensions.
	OutputBase string
	Structure  string
	Companion  string
	PrePSF     string
	Dihedral   string
	FailLog    string
}

// For returns the artifact paths of the build identified by key.
func For(key string) Paths {
	base := path.Join(StructureDir, key)
	return Paths{
		OutputBase: base,
		Structure:  base + ".pdb",
		Companion:  base + ".psf",
		PrePSF:     base + "_prePSFgen.pdb",
		Dihedral:   path.Join(DihedralDir, key+".txt"),
		FailLog:    path.Join(FailLogDir, key+".log"),
	}
}

// Of returns the path of the given kind.
func (p Paths) Of(k Kind) (string, error) {
	switch k {
	case KindStructure:
		return p.Structure, nil
	case KindCompanion:
		return p.Companion, nil
	case KindPrePSF:
		return p.PrePSF, nil
	case KindDihedral:
		return p.Dihedral, nil
	case KindLog:
		return p.FailLog, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
}

// ContentType returns the MIME type served for a kind.
func ContentType(k Kind) string {
	switch k {
	case KindStructure, KindPrePSF:
		return "chemical/x-pdb"
	case KindCompanion:
		return "chemical/x-psf"
	case KindDihedral, KindLog:
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}

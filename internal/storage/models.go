package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Build status values as stored in the builds table.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Build is the durable record of one content-addressed build.
type Build struct {
	Key            string
	Spec           string
	RepeatCount    int
	Version        string
	Dihedral       string
	Status         string // "pending", "success", "failed"
	FailReason     string
	CompanionBuilt bool
	Linkages       []Linkage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     time.Time // zero while pending
}

// Linkage is one reported glycosidic linkage of a successful build.
type Linkage struct {
	ID              string
	Seq             int
	FirstResidueID  string
	FirstResidue    string
	FirstPosition   int
	SecondPosition  int
	SecondResidueID string
	SecondResidue   string
	Phi             float64
	Psi             float64
	ExtraAngles     []float64 // JSON array stored as text
}

// BuildFilter narrows ListBuilds. Zero values select everything.
type BuildFilter struct {
	Status string
	Limit  int
	Offset int
}

// Package export renders plan snapshots to HTML and PDF.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// View selects which rendering of the plan is exported
type View string

const (
	ViewTherapist View = "therapist"
	ViewClient    View = "client"
)

// Snapshot carries everything needed to render one plan version
type Snapshot struct {
	PlanID    string
	Title     string
	ClientID  string
	Version   int
	View      View
	CreatedBy string
	CreatedAt time.Time
	Sections  []Section
}

// Section is one rendered block of the plan
type Section struct {
	Name  string
	Items []SectionItem
	Text  string // for scalar sections
}

// SectionItem is a single entry inside a collection section
type SectionItem struct {
	ID     string
	Detail string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrUnsupportedFormat indicates the requested format is not recognized.
	ErrUnsupportedFormat = errors.New("export format not supported")
)

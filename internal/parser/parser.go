// Package parser turns the console output of the structure builder into a
// structured build result.
//
// The builder reports its work as free text. Three line shapes matter:
//
//	... FINAL linkage ...: <res1>(<pos1>-><pos2>)<res2>: <phi>,<psi>[,<more>...]
//	... not yet supported ... {<residue>, <residue>, ...}
//	... PDB file Built: ...
//
// Residues may carry an identifier prefix ("#2 aDMan"). Every other line is
// kept in the transcript only.
package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	LinkageMarker     = "FINAL linkage"
	UnsupportedMarker = "not yet supported"
	BuiltMarker       = "PDB file Built:"

	// DefaultFailReason is reported when the builder gives no specific cause.
	DefaultFailReason = "This structure could not be built"

	unsupportedPrefix = "Unsupported Residues: "
	violationPrefix   = "Unexpected builder output: "

	maxLineSize = 1 << 20
)

// ErrMalformedLinkage marks a linkage line that does not follow the grammar.
var ErrMalformedLinkage = errors.New("malformed linkage line")

var linkagePattern = regexp.MustCompile(
	`^(?:#(?P<id1>\S+)\s+)?(?P<res1>[^()\s#][^()]*?)\s*` +
		`\(\s*(?P<pos1>\d+)\s*->\s*(?P<pos2>\d+)\s*\)\s*` +
		`(?:#(?P<id2>\S+)\s+)?(?P<res2>[^:\s#][^:]*?)\s*:\s*(?P<angles>\S.*)$`,
)

// Linkage is one bond between two residues as reported by the builder.
type Linkage struct {
	FirstResidueID  string
	FirstResidue    string
	FirstPosition   int
	SecondPosition  int
	SecondResidueID string
	SecondResidue   string
	// Angles holds phi, psi and any further torsions, in reported order.
	Angles []float64
}

// Phi returns the first torsion angle.
func (l Linkage) Phi() float64 { return l.Angles[0] }

// Psi returns the second torsion angle.
func (l Linkage) Psi() float64 { return l.Angles[1] }

// Rest returns the torsions after phi and psi.
func (l Linkage) Rest() []float64 { return l.Angles[2:] }

// Result is the parser state after the last line.
type Result struct {
	Linkages []Linkage
	// Built is set once the completion marker was seen.
	Built bool
	// FailReason explains a failed build; it is the generic message unless
	// the output named a more specific cause.
	FailReason string
	// Violation is the first linkage line that broke the grammar, if any.
	Violation error
	// Transcript is every line received, newline terminated.
	Transcript string
}

// Succeeded reports whether the output describes a finished structure.
// The completion marker decides; a grammar violation vetoes it.
func (r Result) Succeeded() bool {
	return r.Built && r.Violation == nil
}

// Parser is a single-pass state machine fed one line at a time. It is not
// safe for concurrent use.
type Parser struct {
	linkages   []Linkage
	transcript strings.Builder
	built      bool
	reason     string
	violation  error
}

// New returns a Parser in its initial state.
func New() *Parser {
	return &Parser{reason: DefaultFailReason}
}

// Feed consumes one line of output, without its line terminator.
func (p *Parser) Feed(line string) {
	p.transcript.WriteString(line)
	p.transcript.WriteByte('\n')

	switch {
	case strings.Contains(line, LinkageMarker):
		l, err := ParseLinkage(line)
		if err != nil {
			if p.violation == nil {
				p.violation = err
			}
			return
		}
		p.linkages = append(p.linkages, l)
	case strings.Contains(line, UnsupportedMarker):
		p.reason = unsupportedPrefix + unsupportedResidues(line)
	case strings.Contains(line, BuiltMarker):
		p.built = true
	}
}

// Result returns a copy of the accumulated state.
func (p *Parser) Result() Result {
	r := Result{
		Linkages:   append([]Linkage(nil), p.linkages...),
		Built:      p.built,
		FailReason: p.reason,
		Violation:  p.violation,
		Transcript: p.transcript.String(),
	}
	if p.violation != nil {
		r.FailReason = violationPrefix + p.violation.Error()
	}
	return r
}

// Parse feeds every line of r to a new Parser and returns its result.
func Parse(r io.Reader) (Result, error) {
	p := New()
	if err := p.ReadFrom(r); err != nil {
		return p.Result(), err
	}
	return p.Result(), nil
}

// ReadFrom feeds lines from r until end of stream. A line longer than
// maxLineSize is cut at that length and the transcript records the cut.
func (p *Parser) ReadFrom(r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	truncated := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				p.feedRaw(line, truncated)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if room := maxLineSize - len(line); len(chunk) > room {
			line = append(line, chunk[:room]...)
			truncated = true
		} else {
			line = append(line, chunk...)
		}
		if isPrefix {
			continue
		}
		p.feedRaw(line, truncated)
		line = line[:0]
		truncated = false
	}
}

func (p *Parser) feedRaw(line []byte, truncated bool) {
	p.Feed(string(line))
	if truncated {
		fmt.Fprintf(&p.transcript, "[output line truncated after %d bytes]\n", maxLineSize)
	}
}

// ParseLinkage extracts a Linkage from a line containing the linkage marker.
func ParseLinkage(line string) (Linkage, error) {
	idx := strings.Index(line, LinkageMarker)
	if idx < 0 {
		return Linkage{}, fmt.Errorf("%w: missing %q: %q", ErrMalformedLinkage, LinkageMarker, line)
	}
	rest := line[idx+len(LinkageMarker):]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return Linkage{}, fmt.Errorf("%w: no record after marker: %q", ErrMalformedLinkage, line)
	}
	record := strings.TrimSpace(rest[colon+1:])

	m := linkagePattern.FindStringSubmatch(record)
	if m == nil {
		return Linkage{}, fmt.Errorf("%w: %q", ErrMalformedLinkage, line)
	}
	group := func(name string) string {
		return m[linkagePattern.SubexpIndex(name)]
	}

	pos1, err := strconv.Atoi(group("pos1"))
	if err != nil {
		return Linkage{}, fmt.Errorf("%w: first position: %v", ErrMalformedLinkage, err)
	}
	pos2, err := strconv.Atoi(group("pos2"))
	if err != nil {
		return Linkage{}, fmt.Errorf("%w: second position: %v", ErrMalformedLinkage, err)
	}
	angles, err := parseAngles(group("angles"))
	if err != nil {
		return Linkage{}, fmt.Errorf("%w: %v: %q", ErrMalformedLinkage, err, line)
	}

	return Linkage{
		FirstResidueID:  group("id1"),
		FirstResidue:    group("res1"),
		FirstPosition:   pos1,
		SecondPosition:  pos2,
		SecondResidueID: group("id2"),
		SecondResidue:   group("res2"),
		Angles:          angles,
	}, nil
}

// parseAngles reads a comma-separated angle list. Trailing separators are
// ignored; at least phi and psi are required.
func parseAngles(s string) ([]float64, error) {
	s = strings.TrimRight(s, ", \t")
	fields := strings.Split(s, ",")
	if len(fields) < 2 {
		return nil, fmt.Errorf("want at least phi and psi, got %d angle(s)", len(fields))
	}
	angles := make([]float64, 0, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("angle %d: %w", i+1, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("angle %d: not a finite number: %q", i+1, strings.TrimSpace(f))
		}
		angles = append(angles, v)
	}
	return angles, nil
}

// unsupportedResidues returns the text of the nearest brace pair after the
// marker, falling back to the first pair on the line, then to the whole line.
func unsupportedResidues(line string) string {
	if inner, ok := braced(line[strings.Index(line, UnsupportedMarker):]); ok {
		return inner
	}
	if inner, ok := braced(line); ok {
		return inner
	}
	return strings.TrimSpace(line)
}

func braced(s string) (string, bool) {
	open := strings.Index(s, "{")
	if open < 0 {
		return "", false
	}
	end := strings.Index(s[open+1:], "}")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(s[open+1 : open+1+end]), true
}

package sharedlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

// Violation describes an entry that breaks mutual exclusion.
type Violation struct {
	Line   int    `json:"line"`
	Entry  Entry  `json:"entry"`
	Reason string `json:"reason"`
	// Open is the episode that was still in the critical section, if any.
	Open *Entry `json:"open,omitempty"`
}

func (v Violation) String() string {
	if v.Open != nil {
		return fmt.Sprintf("line %d: peer %d %s episode %s while peer %d holds episode %s",
			v.Line, v.Entry.Peer, v.Entry.Event, v.Entry.Episode, v.Open.Peer, v.Open.Episode)
	}
	return fmt.Sprintf("line %d: peer %d %s episode %s: %s", v.Line, v.Entry.Peer, v.Entry.Event, v.Entry.Episode, v.Reason)
}

// Report summarises an audit.
type Report struct {
	Bytes      uint64      `json:"bytes"`
	Lines      int         `json:"lines"`
	Skipped    int         `json:"skipped"`
	Episodes   int         `json:"episodes"`
	PerPeer    map[int]int `json:"per_peer"`
	Violations []Violation `json:"violations,omitempty"`
	// Open is set when the log ends inside an episode.
	Open *Entry `json:"open,omitempty"`
}

// OK reports whether no violation was found.
func (r Report) OK() bool {
	return len(r.Violations) == 0
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s lines (%s), %s episodes, %d skipped",
		humanize.Comma(int64(r.Lines)), humanize.Bytes(r.Bytes), humanize.Comma(int64(r.Episodes)), r.Skipped)
	if r.Open != nil {
		fmt.Fprintf(&b, ", peer %d still inside", r.Open.Peer)
	}
	if r.OK() {
		b.WriteString(": mutual exclusion holds")
	} else {
		fmt.Fprintf(&b, ": %d violations", len(r.Violations))
	}
	return b.String()
}

// Auditor checks entries incrementally.
type Auditor struct {
	report Report
}

// NewAuditor returns an empty auditor.
func NewAuditor() *Auditor {
	return &Auditor{report: Report{PerPeer: make(map[int]int)}}
}

// Line feeds one raw line and returns the violation it causes, if any. The
// boolean is false for blank lines and lines that do not decode, which are
// counted as skipped.
func (a *Auditor) Line(raw []byte) (*Violation, bool) {
	a.report.Bytes += uint64(len(raw)) + 1
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false
	}
	a.report.Lines++
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil || e.Peer <= 0 || e.Episode == "" {
		a.report.Skipped++
		return nil, false
	}
	return a.feed(e), true
}

func (a *Auditor) feed(e Entry) *Violation {
	line := a.report.Lines
	open := a.report.Open
	var v *Violation
	switch e.Event {
	case EventEnter:
		if open != nil {
			held := *open
			v = &Violation{Line: line, Entry: e, Reason: "overlapping enter", Open: &held}
		}
		entered := e
		a.report.Open = &entered
		a.report.Episodes++
		a.report.PerPeer[e.Peer]++
	case EventExit:
		switch {
		case open == nil:
			v = &Violation{Line: line, Entry: e, Reason: "exit without enter"}
		case open.Episode != e.Episode:
			held := *open
			v = &Violation{Line: line, Entry: e, Reason: "exit of foreign episode", Open: &held}
		default:
			a.report.Open = nil
		}
	default:
		a.report.Skipped++
		return nil
	}
	if v != nil {
		a.report.Violations = append(a.report.Violations, *v)
	}
	return v
}

// Report returns a copy of the accumulated report.
func (a *Auditor) Report() Report {
	out := a.report
	out.PerPeer = make(map[int]int, len(a.report.PerPeer))
	for k, v := range a.report.PerPeer {
		out.PerPeer[k] = v
	}
	out.Violations = append([]Violation(nil), a.report.Violations...)
	return out
}

// Audit reads every line from r.
func Audit(r io.Reader) (Report, error) {
	a := NewAuditor()
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			a.Line(bytes.TrimSuffix(line, []byte{'\n'}))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return a.Report(), fmt.Errorf("sharedlog: read: %w", err)
		}
	}
	return a.Report(), nil
}

// Verify audits the log file at path.
func Verify(path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("sharedlog: open %q: %w", path, err)
	}
	defer f.Close()
	return Audit(f)
}

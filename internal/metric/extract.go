// Package metric pulls labeled timing values out of worker output.
package metric

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/signalnine/fiberbench/internal/config"
)

const (
	ReasonMissing   = "missing"
	ReasonMalformed = "malformed"
)

// Set maps a metric name to its value. A metric the worker did not report
// has no key; zero is a reported value.
type Set map[string]float64

// Get returns the metric value and whether it was reported.
func (s Set) Get(name string) (float64, bool) {
	v, ok := s[name]
	return v, ok
}

// Names returns the reported metric names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Failure describes why a metric could not be extracted.
type Failure struct {
	Reason string `json:"reason"`
	Text   string `json:"text,omitempty"`
}

func (f Failure) String() string {
	if f.Text == "" {
		return f.Reason
	}
	return fmt.Sprintf("%s %q", f.Reason, f.Text)
}

// Extraction is the outcome of scanning one worker's output.
type Extraction struct {
	Metrics  Set
	Failures map[string]Failure
}

type pattern struct {
	metric string
	re     *regexp.Regexp
}

// Extractor holds compiled label patterns. It is safe for concurrent use.
type Extractor struct {
	patterns []pattern
}

// Compile validates the labels and builds their patterns. The captured
// group is everything number-like after the label so that values such as
// "1.2.3" are reported as malformed instead of silently truncated.
func Compile(labels []config.Label) (*Extractor, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("no metric labels configured")
	}
	seen := make(map[string]bool, len(labels))
	e := &Extractor{patterns: make([]pattern, 0, len(labels))}
	for i, l := range labels {
		if l.Metric == "" || l.Text == "" {
			return nil, fmt.Errorf("label %d: metric and text are required", i)
		}
		if seen[l.Metric] {
			return nil, fmt.Errorf("label %q defined twice", l.Metric)
		}
		seen[l.Metric] = true
		re, err := regexp.Compile(regexp.QuoteMeta(l.Text) + `([ \t]*[0-9.]*)`)
		if err != nil {
			return nil, fmt.Errorf("compiling label %q: %w", l.Metric, err)
		}
		e.patterns = append(e.patterns, pattern{metric: l.Metric, re: re})
	}
	return e, nil
}

// MustCompile is Compile for label tables known to be valid.
func MustCompile(labels []config.Label) *Extractor {
	e, err := Compile(labels)
	if err != nil {
		panic(err)
	}
	return e
}

// Metrics lists the metric names in label order.
func (e *Extractor) Metrics() []string {
	names := make([]string, len(e.patterns))
	for i, p := range e.patterns {
		names[i] = p.metric
	}
	return names
}

// Extract scans text once per label. The first occurrence of a label wins.
// It never fails: unmatched or unparsable labels are reported in Failures.
func (e *Extractor) Extract(text string) Extraction {
	ex := Extraction{
		Metrics:  Set{},
		Failures: map[string]Failure{},
	}
	for _, p := range e.patterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			ex.Failures[p.metric] = Failure{Reason: ReasonMissing}
			continue
		}
		raw := strings.TrimSpace(m[1])
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			ex.Failures[p.metric] = Failure{Reason: ReasonMalformed, Text: snippet(text, m[0])}
			continue
		}
		ex.Metrics[p.metric] = v
	}
	return ex
}

// Extract is a convenience wrapper compiling labels for a single scan.
func Extract(text string, labels []config.Label) (Extraction, error) {
	e, err := Compile(labels)
	if err != nil {
		return Extraction{}, err
	}
	return e.Extract(text), nil
}

// snippet returns the rest of the line starting at the matched label.
func snippet(text, match string) string {
	idx := strings.Index(text, match)
	if idx < 0 {
		return match
	}
	line := text[idx:]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	const maxLen = 80
	if len(line) > maxLen {
		line = line[:maxLen]
	}
	return strings.TrimSpace(line)
}

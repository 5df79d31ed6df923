// Package scanner implements the advisory Injection Scanner: a fixed
// heuristic matcher run against tool arguments before
// dispatch. It never blocks execution — schema validation and
// permission/path checks are the hard boundary. Matches are recorded to
// the audit log for operator review only.
package scanner

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Finding is one heuristic match against a scanned string.
type Finding struct {
	Rule    string `json:"rule"`
	Excerpt string `json:"excerpt"`
}

var templatingPattern = regexp.MustCompile(`\$\{[^}]{0,200}\}`)

var directivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?previous instructions`),
	regexp.MustCompile(`(?i)disregard (the )?(system|above) prompt`),
	regexp.MustCompile(`(?i)you are now (in )?developer mode`),
	regexp.MustCompile(`(?i)reveal (your |the )?system prompt`),
}

// Scanner applies the package's fixed, compiled heuristic rule set; it
// holds no state, and the rules cannot be changed per instance.
type Scanner struct{}

// New returns a Scanner with the default rule set.
func New() *Scanner { return &Scanner{} }

// Scan checks text against every heuristic and returns all findings. It
// never returns an error: a scanner that cannot decide simply finds
// nothing, since it is advisory rather than a security boundary.
func (s *Scanner) Scan(text string) []Finding {
	var findings []Finding

	if excerpt, ok := findControlCharacters(text); ok {
		findings = append(findings, Finding{Rule: "control_character_sequence", Excerpt: excerpt})
	}

	if loc := templatingPattern.FindStringIndex(text); loc != nil {
		findings = append(findings, Finding{Rule: "template_expression", Excerpt: excerpt(text, loc)})
	}

	for _, re := range directivePatterns {
		if loc := re.FindStringIndex(text); loc != nil {
			findings = append(findings, Finding{Rule: "model_directive_string", Excerpt: excerpt(text, loc)})
		}
	}

	return findings
}

// ScanArgs scans every string value in a tool-call argument map.
func (s *Scanner) ScanArgs(args map[string]any) []Finding {
	var findings []Finding
	for key, v := range args {
		text, ok := v.(string)
		if !ok {
			continue
		}
		for _, f := range s.Scan(text) {
			f.Excerpt = fmt.Sprintf("%s=%s", key, f.Excerpt)
			findings = append(findings, f)
		}
	}
	return findings
}

func findControlCharacters(text string) (string, bool) {
	run := 0
	start := -1
	for i, r := range text {
		if r < 0x20 && r != '\n' && r != '\t' && r != '\r' {
			if start == -1 {
				start = i
			}
			run++
			if run >= 3 {
				return excerpt(text, []int{start, i + 1}), true
			}
			continue
		}
		if unicode.IsControl(r) && r > 0x7f {
			run++
			if start == -1 {
				start = i
			}
			if run >= 3 {
				return excerpt(text, []int{start, i + 1}), true
			}
			continue
		}
		run = 0
		start = -1
	}
	return "", false
}

func excerpt(text string, loc []int) string {
	start, end := loc[0], loc[1]
	pad := 10
	if start-pad > 0 {
		start -= pad
	} else {
		start = 0
	}
	if end+pad < len(text) {
		end += pad
	} else {
		end = len(text)
	}
	return strings.TrimSpace(text[start:end])
}

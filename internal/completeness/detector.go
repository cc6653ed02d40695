// Package completeness guesses whether model output was cut off and picks a
// follow-up prompt asking the model to continue. The checks are heuristics:
// a positive result is a hint, not proof of truncation.
package completeness

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultLengthThreshold is the size above which output must show a
	// plausible ending to count as complete.
	DefaultLengthThreshold = 15000

	// DefaultBracketThreshold is the tolerated imbalance per bracket pair.
	DefaultBracketThreshold = 3

	codeFence = "```"
)

// Continuation prompts.
const (
	PromptCode    = "Please continue the code from where you left off."
	PromptGeneric = "Continue from where you left off."
	PromptMinimal = "Please continue."
)

// Reason names the check that flagged output as incomplete.
type Reason string

const (
	ReasonComplete        Reason = ""
	ReasonUnclosedFence   Reason = "unclosed_code_fence"
	ReasonTruncation      Reason = "truncation_marker"
	ReasonOpenTag         Reason = "open_tag"
	ReasonBracketMismatch Reason = "bracket_imbalance"
	ReasonNoEnding        Reason = "long_without_ending"
)

var (
	truncationMarkers = []*regexp.Regexp{
		regexp.MustCompile(`\[\.\.\.$`),
		regexp.MustCompile(`(?i)\(cont(?:inued|'d)?\)$`),
		regexp.MustCompile(`…$`),
		regexp.MustCompile(`\.{3,}$`),
	}

	openTag   = regexp.MustCompile(`<[a-zA-Z][^>]*$`)
	openBrace = regexp.MustCompile(`\{[^}]*$`)

	endingMarkers = []*regexp.Regexp{
		regexp.MustCompile("\\n```\\s*$"),
		regexp.MustCompile(`(?i)\n\n(?:Hope|I hope|This|That|Let me know|Feel free|Happy to help)`),
		regexp.MustCompile(`[.!?]\s*$`),
		regexp.MustCompile(`export\s+default\s+`),
		regexp.MustCompile(`\);?\s*$`),
		regexp.MustCompile(`\}\s*$`),
	}

	bracketPairs = [][2]rune{{'{', '}'}, {'(', ')'}, {'[', ']'}}
)

// Detector holds the tunable thresholds. The zero value uses the defaults.
type Detector struct {
	LengthThreshold  int
	BracketThreshold int
}

// Default is the detector used by the package-level functions.
var Default = &Detector{
	LengthThreshold:  DefaultLengthThreshold,
	BracketThreshold: DefaultBracketThreshold,
}

// IsIncomplete reports whether text looks cut off, using Default.
func IsIncomplete(text string) bool {
	return Default.IsIncomplete(text)
}

// ContinuationPrompt returns the follow-up prompt for text.
func ContinuationPrompt(text string) string {
	trimmed := strings.TrimSpace(text)

	if hasUnclosedFence(trimmed) {
		return PromptCode
	}
	if openTag.MatchString(trimmed) || openBrace.MatchString(trimmed) {
		return PromptGeneric
	}
	return PromptMinimal
}

// IsIncomplete reports whether text looks cut off.
func (d *Detector) IsIncomplete(text string) bool {
	return d.Check(text) != ReasonComplete
}

// Check runs the heuristics in order and returns the first that fires.
// Empty or whitespace-only text is complete.
func (d *Detector) Check(text string) Reason {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ReasonComplete
	}

	if hasUnclosedFence(trimmed) {
		return ReasonUnclosedFence
	}

	for _, marker := range truncationMarkers {
		if marker.MatchString(trimmed) {
			return ReasonTruncation
		}
	}

	if openTag.MatchString(trimmed) {
		return ReasonOpenTag
	}

	if d.bracketsUnbalanced(trimmed) {
		return ReasonBracketMismatch
	}

	// Length is counted in runes.
	if utf8.RuneCountInString(trimmed) > d.lengthThreshold() && !hasPlausibleEnding(trimmed) {
		return ReasonNoEnding
	}

	return ReasonComplete
}

func (d *Detector) bracketsUnbalanced(s string) bool {
	threshold := d.bracketThreshold()
	for _, pair := range bracketPairs {
		diff := strings.Count(s, string(pair[0])) - strings.Count(s, string(pair[1]))
		if diff < 0 {
			diff = -diff
		}
		if diff > threshold {
			return true
		}
	}
	return false
}

func (d *Detector) lengthThreshold() int {
	if d == nil || d.LengthThreshold <= 0 {
		return DefaultLengthThreshold
	}
	return d.LengthThreshold
}

func (d *Detector) bracketThreshold() int {
	if d == nil || d.BracketThreshold <= 0 {
		return DefaultBracketThreshold
	}
	return d.BracketThreshold
}

func hasUnclosedFence(s string) bool {
	return strings.Count(s, codeFence)%2 != 0
}

func hasPlausibleEnding(s string) bool {
	for _, marker := range endingMarkers {
		if marker.MatchString(s) {
			return true
		}
	}
	return false
}

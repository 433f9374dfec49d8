package worker

import (
	"fmt"
	"regexp"
	"strings"
)

// outputLimits bounds how much of a step's output the worker will forward
// downstream (spec §4.7 "Output sanitisation").
type outputLimits struct {
	maxStringLength int
	maxNestingDepth int
}

var defaultOutputLimits = outputLimits{
	maxStringLength: 100_000,
	maxNestingDepth: 20,
}

// sanitizeOutput recursively truncates long strings, strips control
// characters (preserving TAB/LF/CR), and rejects structures nested deeper
// than maxNestingDepth. Mirrors the validation the worker applies before
// handing LLM output to tool dispatch.
func sanitizeOutput(value interface{}, limits outputLimits) (interface{}, error) {
	return sanitizeValue(value, limits, 0)
}

func sanitizeValue(value interface{}, limits outputLimits, depth int) (interface{}, error) {
	if depth > limits.maxNestingDepth {
		return nil, fmt.Errorf("worker: output nesting depth %d exceeds limit %d", depth, limits.maxNestingDepth)
	}
	switch v := value.(type) {
	case nil, bool, int, int64, float64:
		return v, nil
	case string:
		return sanitizeString(v, limits), nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			s, err := sanitizeValue(item, limits, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			s, err := sanitizeValue(item, limits, depth+1)
			if err != nil {
				return nil, err
			}
			out[sanitizeString(k, limits)] = s
		}
		return out, nil
	default:
		return sanitizeString(fmt.Sprintf("%v", v), limits), nil
	}
}

func sanitizeString(s string, limits outputLimits) string {
	if len(s) > limits.maxStringLength {
		s = s[:limits.maxStringLength]
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= ' ' || r == '\n' || r == '\r' || r == '\t' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// promptInjectionPatterns is the configurable pattern set spec §4.7 names
// for scoring prompt-injection risk in user-supplied content.
var promptInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[INST\]`),
	regexp.MustCompile(`(?i)<\|im_start\|>`),
	regexp.MustCompile(`(?i)<<SYS>>`),
	regexp.MustCompile(`(?i)\bsystem\s*:\s*`),
	regexp.MustCompile(`(?i)\bassistant\s*:\s*`),
	regexp.MustCompile(`\{\{.*?\}\}`),
	regexp.MustCompile(`\$\{.*?\}`),
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`(?i)\bexec\s*\(`),
	regexp.MustCompile(`(?i)os\.system`),
	regexp.MustCompile(`(?i)subprocess`),
}

// riskPerMatch is the weight each distinct matched pattern contributes to
// the aggregate risk score, so that several independent techniques stacked
// in one payload push the score higher than any single one alone.
const riskPerMatch = 0.2

// zeroWidthAndControl strips zero-width characters and the null byte before
// risk scoring, so an attacker cannot hide a marker from the regexes below
// by interleaving invisible characters.
var zeroWidthAndControl = strings.NewReplacer(
	"\x00", "",
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\ufeff", "",
)

// InputRiskMode selects how the worker reacts to a scored prompt-injection
// risk above its threshold.
type InputRiskMode string

const (
	// InputRiskModeBlock refuses the step with Failed(input_risk).
	InputRiskModeBlock InputRiskMode = "block"
	// InputRiskModeShadow scores and logs but never blocks.
	InputRiskModeShadow InputRiskMode = "shadow"
)

// DefaultInputRiskThreshold is the score above which block mode refuses a
// step.
const DefaultInputRiskThreshold = 0.5

// scoreInputRisk cleans content of zero-width/null characters and returns a
// risk score in [0,1] from how many distinct injection patterns matched.
func scoreInputRisk(content string) (cleaned string, score float64) {
	cleaned = zeroWidthAndControl.Replace(content)
	matches := 0
	for _, p := range promptInjectionPatterns {
		if p.MatchString(cleaned) {
			matches++
		}
	}
	score = float64(matches) * riskPerMatch
	if score > 1 {
		score = 1
	}
	return cleaned, score
}

// delimitUserContent wraps user-supplied content in an unambiguous
// delimiter so the model can distinguish it from the surrounding prompt.
func delimitUserContent(content string) string {
	return "<<<user_content>>>\n" + content + "\n<<<end_user_content>>>"
}

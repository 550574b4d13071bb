// Package compliance screens support requests before they leave the gateway.
package compliance

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/support-gateway/internal/types"
)

// Checker returns a pass/violate verdict for a request about to be dispatched.
// An error means the check itself could not run.
type Checker interface {
	Check(ctx context.Context, req *types.SupportOperationRequest) (Verdict, error)
}

// Violation is one rule that matched
type Violation struct {
	Rule  string `json:"rule"`
	Field string `json:"field"`
}

// Verdict contains the result of a compliance check
type Verdict struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
}

// Rules returns the names of the matched rules
func (v Verdict) Rules() []string {
	rules := make([]string, 0, len(v.Violations))
	for _, violation := range v.Violations {
		rules = append(rules, violation.Rule)
	}
	return rules
}

// Config holds PII checker configuration
type Config struct {
	// BlockedPatterns adds named regular expressions on top of the built-in PII rules
	BlockedPatterns map[string]string `yaml:"blocked_patterns"`
	DisabledRules   []string          `yaml:"disabled_rules"`
	MaxPromptLength int               `yaml:"max_prompt_length"`
	MaxSchemaDepth  int               `yaml:"max_schema_depth"`
	ScanMetadata    bool              `yaml:"scan_metadata"`
}

type rule struct {
	name   string
	regex  *regexp.Regexp
	// optional second stage to cut false positives
	verify func(match string) bool
}

var builtinRules = []rule{
	{name: "email", regex: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{name: "credit_card", regex: regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`), verify: luhnValid},
	{name: "iban", regex: regexp.MustCompile(`\b[A-Z]{2}\d{2}(?:[ ]?[A-Z0-9]{4}){2,7}(?:[ ]?[A-Z0-9]{1,3})?\b`)},
	{name: "us_ssn", regex: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
}

// PIIChecker rejects requests whose prompt, tool descriptions or metadata
// carry personal data
type PIIChecker struct {
	config *Config
	logger *logrus.Logger
	rules  []rule
}

// NewPIIChecker creates a checker from the built-in rules plus configured patterns
func NewPIIChecker(config *Config, logger *logrus.Logger) (*PIIChecker, error) {
	if config.MaxPromptLength == 0 {
		config.MaxPromptLength = 200000
	}
	if config.MaxSchemaDepth == 0 {
		config.MaxSchemaDepth = 20
	}

	disabled := make(map[string]bool, len(config.DisabledRules))
	for _, name := range config.DisabledRules {
		disabled[name] = true
	}

	c := &PIIChecker{config: config, logger: logger}
	for _, r := range builtinRules {
		if !disabled[r.name] {
			c.rules = append(c.rules, r)
		}
	}

	// Compile blocked patterns
	for name, pattern := range config.BlockedPatterns {
		regex, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern '%s': %w", name, err)
		}
		c.rules = append(c.rules, rule{name: name, regex: regex})
	}

	return c, nil
}

// Check scans the request. Structural problems (invalid UTF-8, oversize
// prompt, runaway tool schema) are violations too.
func (c *PIIChecker) Check(ctx context.Context, req *types.SupportOperationRequest) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	verdict := Verdict{Allowed: true}
	add := func(rule, field string) {
		verdict.Allowed = false
		verdict.Violations = append(verdict.Violations, Violation{Rule: rule, Field: field})
	}

	if !utf8.ValidString(req.Prompt) {
		add("invalid_utf8", "prompt")
	}
	if len(req.Prompt) > c.config.MaxPromptLength {
		add("prompt_too_long", "prompt")
	}
	c.scan(req.Prompt, "prompt", add)

	for i, tool := range req.Tools {
		field := fmt.Sprintf("tools[%d]", i)
		c.scan(tool.Description, field+".description", add)
		if depth := schemaDepth(tool.Parameters); depth > c.config.MaxSchemaDepth {
			add("schema_too_deep", field+".parameters")
		}
	}

	if c.config.ScanMetadata {
		for key, value := range req.Metadata {
			c.scan(value, "metadata."+key, add)
		}
	}

	if !verdict.Allowed {
		c.logger.WithFields(logrus.Fields{
			"request_id": req.ID,
			"tenant_id":  req.TenantID,
			"rules":      verdict.Rules(),
		}).Warn("Compliance check rejected request")
	}

	return verdict, nil
}

func (c *PIIChecker) scan(text, field string, add func(rule, field string)) {
	if text == "" {
		return
	}
	for _, r := range c.rules {
		matches := r.regex.FindAllString(text, -1)
		for _, m := range matches {
			if r.verify == nil || r.verify(m) {
				add(r.name, field)
				break
			}
		}
	}
}

// Sanitize removes null bytes and control characters except newline and tab
func Sanitize(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")

	var sanitized strings.Builder
	sanitized.Grow(len(input))
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' {
			sanitized.WriteRune(r)
		}
	}
	return sanitized.String()
}

// AllowAll passes every request. Used when compliance checks are disabled.
type AllowAll struct{}

// Check implements Checker
func (AllowAll) Check(context.Context, *types.SupportOperationRequest) (Verdict, error) {
	return Verdict{Allowed: true}, nil
}

func schemaDepth(data interface{}) int {
	switch d := data.(type) {
	case map[string]interface{}:
		maxDepth := 0
		for _, value := range d {
			if depth := schemaDepth(value); depth > maxDepth {
				maxDepth = depth
			}
		}
		return maxDepth + 1
	case []interface{}:
		maxDepth := 0
		for _, value := range d {
			if depth := schemaDepth(value); depth > maxDepth {
				maxDepth = depth
			}
		}
		return maxDepth + 1
	default:
		return 0
	}
}

// luhnValid checks the card number checksum, ignoring separators
func luhnValid(s string) bool {
	digits := make([]int, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

var (
	_ Checker = (*PIIChecker)(nil)
	_ Checker = AllowAll{}
)

package audit

import (
	"regexp"
	"strings"
)

// Masker performs regex-based PII redaction on audit payloads. Each
// category keeps a non-identifying fragment so operators can still
// correlate records. Masking is idempotent: masked output never matches
// any pattern again.
type Masker struct {
	rules []maskRule
}

type maskRule struct {
	category string
	re       *regexp.Regexp
	redact   func(match string) string
}

// NewMasker builds the masker with the fixed category list. Rule order
// matters where formats overlap (card before bank, phone before bank).
func NewMasker() *Masker {
	return &Masker{rules: []maskRule{
		{
			category: "resident_registration",
			re:       regexp.MustCompile(`\d{6}-[1-4]\d{6}`),
			redact: func(m string) string {
				// keep birth date and the gender digit
				return m[:8] + "******"
			},
		},
		{
			category: "foreign_registration",
			re:       regexp.MustCompile(`\d{6}-[5-8]\d{6}`),
			redact: func(m string) string {
				return m[:8] + "******"
			},
		},
		{
			category: "driver_license",
			re:       regexp.MustCompile(`\b\d{2}-\d{2}-\d{6}-\d{2}\b`),
			redact: func(m string) string {
				return m[:3] + "**-******-**"
			},
		},
		{
			category: "credit_card",
			re:       regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`),
			redact: func(m string) string {
				return "****-****-****-" + m[len(m)-4:]
			},
		},
		{
			category: "passport",
			re:       regexp.MustCompile(`\b[A-Z]{1,2}\d{8}\b`),
			redact: func(m string) string {
				return m[:1] + strings.Repeat("*", len(m)-1)
			},
		},
		{
			category: "phone",
			re:       regexp.MustCompile(`\b01[016789]-?\d{3,4}-?\d{4}\b`),
			redact: func(m string) string {
				return m[:3] + "-****-" + m[len(m)-4:]
			},
		},
		{
			category: "bank_account",
			re:       regexp.MustCompile(`\b\d{3,6}-\d{2,6}-\d{4,8}\b`),
			redact: func(m string) string {
				first := strings.Index(m, "-")
				masked := []byte(m)
				for i := first + 1; i < len(masked); i++ {
					if masked[i] >= '0' && masked[i] <= '9' {
						masked[i] = '*'
					}
				}
				return string(masked)
			},
		},
		{
			category: "email",
			re:       regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			redact: func(m string) string {
				at := strings.Index(m, "@")
				keep := 2
				if at < keep {
					keep = at
				}
				return m[:keep] + "***" + m[at:]
			},
		},
		{
			category: "ip_address",
			re:       regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
			redact: func(m string) string {
				last := strings.LastIndex(m, ".")
				return m[:last] + ".***"
			},
		},
	}}
}

// Mask redacts all recognized PII in s, returning the masked string and
// the number of redactions per category.
func (m *Masker) Mask(s string) (string, map[string]int) {
	counts := make(map[string]int)
	out := s

	for _, rule := range m.rules {
		out = rule.re.ReplaceAllStringFunc(out, func(match string) string {
			counts[rule.category]++
			return rule.redact(match)
		})
	}

	if len(counts) == 0 {
		return out, nil
	}
	return out, counts
}

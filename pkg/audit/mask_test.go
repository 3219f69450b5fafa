package audit

import (
	"strings"
	"testing"
)

func TestMask_Categories(t *testing.T) {
	m := NewMasker()

	tests := []struct {
		name     string
		input    string
		category string
		want     string
	}{
		{
			name:     "resident registration number",
			input:    "contact for 901231-1234567 please",
			category: "resident_registration",
			want:     "contact for 901231-1****** please",
		},
		{
			name:     "foreign registration number",
			input:    "id 850505-5678901",
			category: "foreign_registration",
			want:     "id 850505-5******",
		},
		{
			name:     "phone with dashes",
			input:    "call 010-1234-5678 now",
			category: "phone",
			want:     "call 010-****-5678 now",
		},
		{
			name:     "phone without dashes",
			input:    "call 01012345678 now",
			category: "phone",
			want:     "call 010-****-5678 now",
		},
		{
			name:     "email",
			input:    "reach jordan.lee@example.com today",
			category: "email",
			want:     "reach jo***@example.com today",
		},
		{
			name:     "credit card",
			input:    "card 1234-5678-9012-3456 charged",
			category: "credit_card",
			want:     "card ****-****-****-3456 charged",
		},
		{
			name:     "driver license",
			input:    "license 11-22-334455-66",
			category: "driver_license",
			want:     "license 11-**-******-**",
		},
		{
			name:     "passport",
			input:    "passport M12345678 checked",
			category: "passport",
			want:     "passport M******** checked",
		},
		{
			name:     "bank account",
			input:    "acct 110-234-567890",
			category: "bank_account",
			want:     "acct 110-***-******",
		},
		{
			name:     "ip address",
			input:    "from 192.168.10.77",
			category: "ip_address",
			want:     "from 192.168.10.***",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, counts := m.Mask(tt.input)
			if got != tt.want {
				t.Errorf("Mask(%q) = %q, want %q", tt.input, got, tt.want)
			}
			if counts[tt.category] < 1 {
				t.Errorf("expected count for %s, got %v", tt.category, counts)
			}
		})
	}
}

func TestMask_Idempotent(t *testing.T) {
	m := NewMasker()

	inputs := []string{
		"rrn 901231-1234567 phone 010-1234-5678 mail kim@factory.kr",
		"card 1234 5678 9012 3456 ip 10.0.0.15",
		"passport M12345678 acct 110-234-567890",
	}

	for _, in := range inputs {
		once, _ := m.Mask(in)
		twice, counts := m.Mask(once)
		if once != twice {
			t.Errorf("mask not idempotent:\n first: %q\nsecond: %q", once, twice)
		}
		if len(counts) != 0 {
			t.Errorf("second pass should redact nothing, got %v", counts)
		}
	}
}

func TestMask_Counts(t *testing.T) {
	m := NewMasker()

	input := "a@b.io and c@d.io called from 010-1111-2222"
	masked, counts := m.Mask(input)

	if counts["email"] != 2 {
		t.Errorf("expected 2 emails, got %d", counts["email"])
	}
	if counts["phone"] != 1 {
		t.Errorf("expected 1 phone, got %d", counts["phone"])
	}
	if strings.Contains(masked, "1111") {
		t.Error("phone middle digits leaked")
	}
}

func TestMask_CleanInput(t *testing.T) {
	m := NewMasker()

	input := `{"ruleset_id":"rs-1","input_data":{"line":"L1","temperature":87.5}}`
	masked, counts := m.Mask(input)

	if masked != input {
		t.Errorf("clean input modified: %q", masked)
	}
	if counts != nil {
		t.Errorf("expected nil counts, got %v", counts)
	}
}

func TestMask_JSONBodyStaysValid(t *testing.T) {
	m := NewMasker()

	input := `{"operator_phone":"010-1234-5678","email":"ops@plant.kr"}`
	masked, _ := m.Mask(input)

	if !strings.Contains(masked, `"010-****-5678"`) {
		t.Errorf("phone not masked in place: %s", masked)
	}
	if !strings.Contains(masked, `"op***@plant.kr"`) {
		t.Errorf("email not masked in place: %s", masked)
	}
}

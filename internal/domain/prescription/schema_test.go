package prescription

import (
	"errors"
	"testing"

	"github.com/xeipuuv/gojsonschema"
)

func TestValidateBody(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		body   string
		ok     bool
	}{
		{"create ok", "create", `{"patient_id":"9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d","type":"simple","medications":[{"name":"Dipirona"}]}`, true},
		{"create empty list", "create", `{"patient_id":"9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d","type":"simple","medications":[]}`, false},
		{"create bad uuid", "create", `{"patient_id":"abc","type":"simple","medications":[{"name":"Dipirona"}]}`, false},
		{"create unknown type", "create", `{"patient_id":"9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d","type":"herbal","medications":[{"name":"Dipirona"}]}`, false},
		{"create unknown field", "create", `{"patient_id":"9a8b7c6d-5e4f-4a3b-8c2d-1e0f9a8b7c6d","type":"simple","medications":[{"name":"Dipirona"}],"patient_name":"x"}`, false},
		{"create not json", "create", `{`, false},
		{"sign ok", "sign", `{"credential_id":"0b6c3f0e-1d2a-4f5b-9c8d-7e6f5a4b3c2d","pin":"1234","signer_user_id":"5d1e2f3a-4b5c-4d6e-8f70-8192a3b4c5d6"}`, true},
		{"sign missing pin", "sign", `{"credential_id":"0b6c3f0e-1d2a-4f5b-9c8d-7e6f5a4b3c2d","signer_user_id":"5d1e2f3a-4b5c-4d6e-8f70-8192a3b4c5d6"}`, false},
		{"sign bad channel", "sign", `{"credential_id":"0b6c3f0e-1d2a-4f5b-9c8d-7e6f5a4b3c2d","pin":"1234","signer_user_id":"5d1e2f3a-4b5c-4d6e-8f70-8192a3b4c5d6","notify":{"channel":"fax","recipient":"123"}}`, false},
		{"revoke ok", "revoke", `{"reason":"dosagem incorreta"}`, true},
		{"revoke empty", "revoke", `{"reason":""}`, false},
	}
	schemas := map[string]*gojsonschema.Schema{"create": createSchema, "sign": signSchema, "revoke": revokeSchema}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateBody(schemas[tt.schema], []byte(tt.body))
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
			}
		})
	}
}

func TestDurationDays(t *testing.T) {
	tests := []struct {
		in   string
		days int
		ok   bool
	}{
		{"7 dias", 7, true},
		{"10 days", 10, true},
		{"14d", 14, true},
		{"1 dia", 1, true},
		{"uso contínuo", 0, false},
		{"2 semanas", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		days, ok := durationDays(tt.in)
		if days != tt.days || ok != tt.ok {
			t.Errorf("durationDays(%q) = %d, %v; want %d, %v", tt.in, days, ok, tt.days, tt.ok)
		}
	}
}

func TestValidateMedications_ControlledOnlyChecksListedSubstances(t *testing.T) {
	meds := []Medication{{Name: "Dipirona 1g"}, {Name: "Tramadol 50mg", Dosage: "1 cp", Frequency: "8/8h", Duration: "5 dias"}}
	if err := validateMedications(TypeControlled, meds); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	meds[1].Duration = ""
	if err := validateMedications(TypeControlled, meds); err == nil {
		t.Fatal("expected error for tramadol without duration")
	}
}

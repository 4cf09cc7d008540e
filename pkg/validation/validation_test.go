package validation

import "testing"

func TestValidatePhone(t *testing.T) {
	valid := []string{"628110001", "+628110001", "15551234567", " 628110001 "}
	for _, phone := range valid {
		if err := ValidatePhone(phone); err != nil {
			t.Errorf("ValidatePhone(%q) = %v, want nil", phone, err)
		}
	}

	invalid := []string{"", "0811234567", "abc123", "12345", "+0628110001"}
	for _, phone := range invalid {
		if err := ValidatePhone(phone); err == nil {
			t.Errorf("ValidatePhone(%q) = nil, want error", phone)
		}
	}
}

func TestValidateTarget(t *testing.T) {
	valid := []string{"628110001", "628110001@s.whatsapp.net", "12345-678@g.us"}
	for _, target := range valid {
		if err := ValidateTarget(target); err != nil {
			t.Errorf("ValidateTarget(%q) = %v, want nil", target, err)
		}
	}

	invalid := []string{"", "   ", "0811234567"}
	for _, target := range invalid {
		if err := ValidateTarget(target); err == nil {
			t.Errorf("ValidateTarget(%q) = nil, want error", target)
		}
	}
}

func TestValidateSessionID(t *testing.T) {
	if err := ValidateSessionID("abc-123"); err != nil {
		t.Errorf("ValidateSessionID = %v, want nil", err)
	}
	if err := ValidateSessionID("  "); err == nil {
		t.Error("blank session id must be rejected")
	}
}

package auth

import "testing"

func TestValidUsername(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"Notch", true},
		{"a", true},
		{"Player_123", true},
		{"SIXTEEN_CHARS_OK", true},
		{"", false},
		{"seventeen_chars_x", false},
		{"space name", false},
		{"dash-name", false},
		{"ünïcödé", false},
		{"semi;colon", false},
	}

	for _, tt := range tests {
		if got := ValidUsername(tt.name); got != tt.valid {
			t.Errorf("ValidUsername(%q) = %v, want %v", tt.name, got, tt.valid)
		}
	}
}

func TestOfflineProfile(t *testing.T) {
	p := OfflineProfile("Notch")
	if p.Name != "Notch" {
		t.Errorf("profile name = %q, want Notch", p.Name)
	}

	// Deterministic: the same name always maps to the same UUID.
	if again := OfflineProfile("Notch"); again.ID != p.ID {
		t.Errorf("OfflineProfile not deterministic: %s vs %s", p.ID, again.ID)
	}
	if other := OfflineProfile("notch"); other.ID == p.ID {
		t.Error("case-different names share a UUID")
	}

	// Name-derived UUIDs are version 3, RFC 4122 variant.
	if v := p.ID[6] >> 4; v != 3 {
		t.Errorf("UUID version = %d, want 3", v)
	}
	if p.ID[8]&0xC0 != 0x80 {
		t.Errorf("UUID variant bits = %02X, want 10xxxxxx", p.ID[8])
	}
}

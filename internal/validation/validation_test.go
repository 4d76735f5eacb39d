package validation

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	rules := DefaultNameRules()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "router1", false},
		{"with hyphen", "my-router", false},
		{"with underscore", "my_router", false},
		{"with dot", "web.eu-1", false},
		{"numbers", "123", false},
		{"unicode letters", "zürich-gw", false},
		{"empty", "", true},
		{"hidden", ".hidden", true},
		{"slash", "a/b", true},
		{"space", "a b", true},
		{"control char", "a\x00b", true},
		{"too long", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input, rules)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateNameNoDots(t *testing.T) {
	rules := DefaultNameRules()
	rules.AllowDots = false
	if err := ValidateName("a.b", rules); err == nil {
		t.Error("dot accepted with AllowDots=false")
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"ipv4", "192.168.1.1", false},
		{"ipv6", "2001:db8::1", false},
		{"ipv6 loopback", "::1", false},
		{"hostname", "web-1.example.com", false},
		{"single label", "localhost", false},
		{"trailing dot", "example.com.", false},
		{"empty", "", true},
		{"with port", "10.0.0.1:80", true},
		{"url", "http://example.com", true},
		{"leading hyphen", "-web.example.com", true},
		{"trailing hyphen", "web-.example.com", true},
		{"empty label", "web..example.com", true},
		{"underscore", "web_1.example.com", true},
		{"long label", strings.Repeat("a", 64) + ".com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

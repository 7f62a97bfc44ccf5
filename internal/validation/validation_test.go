package validation

import (
	"testing"
)

func TestIsValidSteamID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"76561198012345678", true},
		{"76561199999999999", true},

		// Invalid cases
		{"7656119801234567", false},   // Too short
		{"765611980123456789", false}, // Too long
		{"12345678901234567", false},  // Wrong prefix
		{"7656119801234567a", false},  // Invalid chars
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidSteamID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidSteamID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidTradeURL(t *testing.T) {
	tests := []struct {
		url   string
		valid bool
	}{
		{"https://steamcommunity.com/tradeoffer/new/?partner=12345678&token=aBcD1234", true},
		{"https://steamcommunity.com/tradeoffer/new/?partner=1&token=x-_Ab9Qz", true},

		// Invalid cases
		{"http://steamcommunity.com/tradeoffer/new/?partner=12345678&token=aBcD1234", false}, // Not https
		{"https://steamcommunity.com/tradeoffer/new/?partner=12345678", false},               // No token
		{"https://steamcommunity.com/tradeoffer/new/?partner=12345678&token=short", false},   // Token too short
		{"https://example.com/tradeoffer/new/?partner=12345678&token=aBcD1234", false},       // Wrong host
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidTradeURL(tc.url)
		if result != tc.valid {
			t.Errorf("IsValidTradeURL(%q) = %v, want %v", tc.url, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("name", "AWP | Dragon Lore"),
		ValidSteamID("steam_id", "76561198012345678"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("name", ""),
		ValidSteamID("steam_id", "invalid"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.50", true},
		{"100", true},
		{"9999.99", true},

		// Invalid
		{"abc", false},
		{"-1.00", false},
		{"0", false},
		{"0.00", false},
		{"1.234", false}, // More than two decimal places
		{"1.2.3", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidAmount(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}

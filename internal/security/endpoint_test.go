package security

import "testing"

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		url   string
		valid bool
	}{
		// IP literals avoid DNS lookups in the test environment.
		{"https://203.0.113.10/send", true},
		{"http://203.0.113.10/api", true},

		// Invalid
		{"not a url", false},
		{"ftp://example.com", false},
		{"https://", false},
		{"http://localhost:8080/send", false},
		{"http://127.0.0.1/send", false},
		{"http://10.0.0.5/send", false},
		{"http://192.168.1.1/send", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"http://0.0.0.0/send", false},
		{"http://metadata.google.internal/", false},
	}

	for _, tc := range tests {
		err := ValidateEndpointURL(tc.url)
		if (err == nil) != tc.valid {
			t.Errorf("ValidateEndpointURL(%q) err=%v, want valid=%v", tc.url, err, tc.valid)
		}
	}
}

package horosafe

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://api.deepseek.com/v1/chat/completions", false},
		{"http://localhost:8080/v1/chat/completions", false},
		{"  https://example.com  ", false},
		{"ftp://evil.com/data", true},
		{"javascript:alert(1)", true},
		{"not a url", true},
		{"https://", true},
		{"", true},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
}

func TestValidatePublicURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://127.0.0.1/admin", true},
		{"http://10.0.0.1/internal", true},
		{"http://192.168.1.1/api", true},
		{"http://[::1]/api", true},
		{"http://172.16.0.1/secret", true},
		{"http://0.0.0.0/", true},
		{"http://8.8.8.8/", false},
	}
	for _, tt := range tests {
		err := ValidatePublicURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePublicURL(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
		if tt.wantErr && !errors.Is(err, ErrSSRF) {
			t.Errorf("ValidatePublicURL(%q): got %v, want ErrSSRF", tt.url, err)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("at limit: %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello!"), 5); err == nil {
		t.Fatal("expected overflow error")
	}
}

package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewSafeClient_TimeoutAndTransport(t *testing.T) {
	client := NewSafeClient(5 * time.Second)
	if client.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", client.Timeout)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Error("expected a custom transport")
	}
}

// httptestサーバーは127.0.0.1で起動されるため、safeurlがブロックする。
func TestNewSafeClient_BlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	if _, err := NewSafeClient(5 * time.Second).Get(ts.URL); err == nil {
		t.Fatal("expected loopback request to be blocked")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://www.youtube.com/oembed", false},
		{"https://news.example.com/rss.xml", false},
		{"", true},
		{"ftp://example.com/feed", true},
		{"file:///etc/passwd", true},
		{"http://localhost/feed", true},
		{"http://127.0.0.1/feed", true},
		{"http://10.0.0.1/feed", true},
		{"http://192.168.1.100/feed", true},
		{"http://169.254.169.254/latest/meta-data/", true},
		{"http://[::1]/feed", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

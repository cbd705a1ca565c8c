package app

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPHandler_RedeemSetsCookie(t *testing.T) {
	srv := httptest.NewServer(NewHTTPHandler(testApp(true)))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/auth/redeem", "application/json", strings.NewReader(`{"key":"demo-key"}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, body)
	}
	if !strings.HasPrefix(resp.Header.Get("Set-Cookie"), "session_token=") {
		t.Errorf("Expected session cookie, got %q", resp.Header.Get("Set-Cookie"))
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Errorf("Expected CORS header, got %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
}

func TestHTTPHandler_MetricsAndUnknownRoutes(t *testing.T) {
	srv := httptest.NewServer(NewHTTPHandler(testApp(true)))
	defer srv.Close()

	// Produce at least one observation.
	if resp, err := http.Get(srv.URL + "/files"); err == nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("Expected status 401, got %d", resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `route="/files"`) {
		t.Errorf("Expected request metrics labelled with the route pattern")
	}

	resp, err = http.Get(srv.URL + "/notes")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

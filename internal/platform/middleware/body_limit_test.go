package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"512K", 512 << 10},
		{"2kb", 2 << 10},
		{"1G", 1 << 30},
		{"2048", 2048},
		{"", 1 << 20},
		{"lots", 1 << 20},
		{"-5", 1 << 20},
	}
	for _, tt := range tests {
		if got := ParseLimit(tt.input); got != tt.want {
			t.Errorf("ParseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func runBodyLimit(t *testing.T, method, path, body string, contentLength int64) (*httptest.ResponseRecorder, error, string) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentLength >= 0 {
		req.ContentLength = contentLength
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var read string
	handler := func(c echo.Context) error {
		data, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		read = string(data)
		return c.NoContent(http.StatusOK)
	}
	err := BodyLimit("10", "20")(handler)(c)
	return rec, err, read
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	rec, err, read := runBodyLimit(t, http.MethodPost, "/fhir/Patient", "small", -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || read != "small" {
		t.Errorf("expected body to pass through, got %d %q", rec.Code, read)
	}
}

func TestBodyLimit_RejectsByContentLength(t *testing.T) {
	rec, err, _ := runBodyLimit(t, http.MethodPost, "/fhir/Patient", strings.Repeat("x", 15), -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "too-costly") {
		t.Errorf("expected OperationOutcome body, got %s", rec.Body.String())
	}
}

func TestBodyLimit_UsesBundleLimit(t *testing.T) {
	rec, err, _ := runBodyLimit(t, http.MethodPost, "/fhir", strings.Repeat("x", 15), -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected bundle endpoint to allow 15 bytes, got %d", rec.Code)
	}

	rec, _, _ = runBodyLimit(t, http.MethodPost, "/fhir/", strings.Repeat("x", 25), -1)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 above bundle limit, got %d", rec.Code)
	}
}

func TestBodyLimit_EnforcesLimitDuringRead(t *testing.T) {
	_, err, _ := runBodyLimit(t, http.MethodPost, "/fhir/Patient", strings.Repeat("x", 15), 0)
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %v", err)
	}
	if he.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", he.Code)
	}
}

func TestBodyLimit_SkipsNilBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	req.Body = http.NoBody
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	BodyLimit("1", "1")(func(c echo.Context) error {
		called = true
		return nil
	})(c)
	if !called {
		t.Error("expected handler to run")
	}
}

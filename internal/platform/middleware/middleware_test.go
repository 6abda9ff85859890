package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dka/dka/internal/platform/httperr"
)

func runMiddleware(mw echo.MiddlewareFunc, handler echo.HandlerFunc, req *http.Request) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := mw(handler)(c)
	return rec, err
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequestID_GeneratesNew(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec, err := runMiddleware(RequestID(), okHandler, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected a generated request ID in the response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")

	rec, err := runMiddleware(RequestID(), okHandler, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger_EmitsRequestLine(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	req := httptest.NewRequest(http.MethodGet, "/calculate", nil)
	if _, err := runMiddleware(Logger(logger), okHandler, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"path":"/calculate"`) {
		t.Errorf("expected path in log output, got %s", out)
	}
	if !strings.Contains(out, `"method":"GET"`) {
		t.Errorf("expected method in log output, got %s", out)
	}
}

func TestRecovery_ConvertsPanicToError(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	panicking := func(c echo.Context) error {
		panic("boom")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := runMiddleware(Recovery(logger), panicking, req)
	if err == nil {
		t.Fatal("expected an error from the recovered panic")
	}

	apiErr, ok := err.(*httperr.Error)
	if !ok || apiErr.StatusCode() != http.StatusInternalServerError {
		t.Errorf("expected the internal error envelope, got %v", err)
	}
	if apiErr != nil && strings.Contains(apiErr.Message, "boom") {
		t.Error("the panic value must not leak into the client message")
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Error("expected the panic to be logged")
	}
}

func TestLogger_SkipsHealthProbes(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	if _, err := runMiddleware(Logger(logger), okHandler, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no log output for health probes, got %s", buf.String())
	}
}

func TestSecurityHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec, err := runMiddleware(SecurityHeaders(), okHandler, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	slow := func(c echo.Context) error {
		select {
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		case <-time.After(time.Second):
			return c.String(http.StatusOK, "ok")
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := runMiddleware(RequestTimeout(10*time.Millisecond), slow, req)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 HTTPError, got %v", err)
	}

	if _, err := runMiddleware(RequestTimeout(time.Second), okHandler, req); err != nil {
		t.Errorf("fast handler should pass, got %v", err)
	}
}

func TestRequestTimeout_CommittedResponseNotOverwritten(t *testing.T) {
	release := make(chan struct{})
	slow := func(c echo.Context) error {
		if err := c.String(http.StatusOK, "partial"); err != nil {
			return err
		}
		<-release
		return nil
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec, err := runMiddleware(RequestTimeout(10*time.Millisecond), slow, req)
	close(release)

	if err != nil {
		t.Fatalf("expected no error once the response is committed, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want the handler's 200", rec.Code)
	}
}

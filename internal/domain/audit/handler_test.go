package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dka/dka/internal/platform/httperr"
)

func newTestServer(t *testing.T) (*echo.Echo, *mockRepo) {
	t.Helper()

	repo := newMockRepo()
	svc := newTestService(repo, &stubResolver{decile: 5}, false)

	e := echo.New()
	e.HTTPErrorHandler = httperr.Handler(zerolog.Nop())
	NewHandler(svc).RegisterRoutes(e, e.Group("/api/v1"))

	return e, repo
}

func doJSON(e *echo.Echo, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v\n%s", err, rec.Body.String())
	}
	return body
}

func errorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	envelope, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %s", rec.Body.String())
	}
	kind, _ := envelope["kind"].(string)
	return kind
}

func calculateBody() map[string]interface{} {
	return map[string]interface{}{
		"age_months":   96,
		"sex":          "female",
		"weight_kg":    20,
		"ph":           7.25,
		"bicarbonate":  16,
		"insulin_rate": 0.05,
		"patient_hash": "client-pre-hash",
	}
}

func TestCalculate_Success(t *testing.T) {
	e, repo := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/calculate", calculateBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	auditID, _ := body["audit_id"].(string)
	if auditID == "" {
		t.Fatal("expected audit_id in response")
	}
	calcs, ok := body["calculations"].(map[string]interface{})
	if !ok {
		t.Fatal("expected calculations in response")
	}
	if calcs["severity"] != "mild" {
		t.Errorf("expected mild severity, got %v", calcs["severity"])
	}
	if calcs["total_rate_ml_hour"].(float64) != 79.2 {
		t.Errorf("expected total rate 79.2, got %v", calcs["total_rate_ml_hour"])
	}
	if repo.inserts != 1 {
		t.Errorf("expected 1 insert, got %d", repo.inserts)
	}

	// The response never echoes patient identity.
	if bytes.Contains(rec.Body.Bytes(), []byte("client-pre-hash")) {
		t.Error("response must not contain the submitted pre-hash")
	}
}

func TestCalculate_ValidationError(t *testing.T) {
	e, repo := newTestServer(t)

	body := calculateBody()
	body["ph"] = 5.0
	body["weight_kg"] = 0

	rec := doJSON(e, http.MethodPost, "/calculate", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if kind := errorKind(t, rec); kind != "validation" {
		t.Errorf("expected validation kind, got %s", kind)
	}
	if repo.inserts != 0 {
		t.Error("invalid submissions must not be persisted")
	}
}

func TestCalculate_DomainError(t *testing.T) {
	e, _ := newTestServer(t)

	body := calculateBody()
	body["ph"] = 7.38
	body["bicarbonate"] = 22

	rec := doJSON(e, http.MethodPost, "/calculate", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if kind := errorKind(t, rec); kind != "domain" {
		t.Errorf("expected domain kind, got %s", kind)
	}
}

func TestUpdate_RoundTrip(t *testing.T) {
	e, _ := newTestServer(t)

	created := decodeBody(t, doJSON(e, http.MethodPost, "/calculate", calculateBody()))
	auditID := created["audit_id"].(string)

	rec := doJSON(e, http.MethodPost, "/update", map[string]interface{}{
		"audit_id":            auditID,
		"patient_hash":        "client-pre-hash",
		"preventable_factors": []string{"delayed presentation"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["amendment_count"].(float64) != 1 {
		t.Errorf("expected amendment_count 1, got %v", body["amendment_count"])
	}
}

func TestUpdate_UnknownID(t *testing.T) {
	e, _ := newTestServer(t)

	id := "7b0f8f3e-52f5-4a88-9f3e-9e3a2f1c0d11"
	rec := doJSON(e, http.MethodPost, "/update", map[string]interface{}{
		"audit_id":            id,
		"patient_hash":        "client-pre-hash",
		"preventable_factors": []string{},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if kind := errorKind(t, rec); kind != "not_found" {
		t.Errorf("expected not_found kind, got %s", kind)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(id)) {
		t.Error("expected the unknown identifier to be named in the message")
	}
}

func TestUpdate_IdentityMismatch(t *testing.T) {
	e, _ := newTestServer(t)

	created := decodeBody(t, doJSON(e, http.MethodPost, "/calculate", calculateBody()))
	auditID := created["audit_id"].(string)

	rec := doJSON(e, http.MethodPost, "/update", map[string]interface{}{
		"audit_id":            auditID,
		"patient_hash":        "someone-else",
		"preventable_factors": []string{},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	if kind := errorKind(t, rec); kind != "identity_mismatch" {
		t.Errorf("expected identity_mismatch kind, got %s", kind)
	}
}

func TestUpdate_MissingFields(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/update", map[string]interface{}{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	body := decodeBody(t, rec)
	envelope := body["error"].(map[string]interface{})
	details, _ := envelope["details"].([]interface{})
	if len(details) != 3 {
		t.Errorf("expected 3 violations, got %v", details)
	}
}

func TestUpdate_NilFactorsRejected(t *testing.T) {
	e, _ := newTestServer(t)

	created := decodeBody(t, doJSON(e, http.MethodPost, "/calculate", calculateBody()))

	rec := doJSON(e, http.MethodPost, "/update", map[string]interface{}{
		"audit_id":     created["audit_id"],
		"patient_hash": "client-pre-hash",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when preventable_factors is omitted, got %d", rec.Code)
	}
}

func TestListRecords(t *testing.T) {
	e, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		body := calculateBody()
		delete(body, "patient_hash")
		if rec := doJSON(e, http.MethodPost, "/calculate", body); rec.Code != http.StatusOK {
			t.Fatalf("seed %d: got %d", i, rec.Code)
		}
	}

	rec := doJSON(e, http.MethodGet, "/api/v1/records?limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["total"].(float64) != 3 {
		t.Errorf("expected total 3, got %v", body["total"])
	}
	items := body["data"].([]interface{})
	if len(items) != 2 {
		t.Errorf("expected 2 items, got %d", len(items))
	}
	if body["has_more"] != true {
		t.Error("expected has_more")
	}
}

func TestGetRecord(t *testing.T) {
	e, _ := newTestServer(t)

	created := decodeBody(t, doJSON(e, http.MethodPost, "/calculate", calculateBody()))
	auditID := created["audit_id"].(string)

	rec := doJSON(e, http.MethodGet, fmt.Sprintf("/api/v1/records/%s", auditID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := decodeBody(t, rec)
	if body["id"] != auditID {
		t.Errorf("expected id %s, got %v", auditID, body["id"])
	}
	// The stored server-side hash is never serialized.
	if _, present := body["patient_hash"]; present {
		t.Error("patient_hash must not appear in the read API")
	}

	if rec := doJSON(e, http.MethodGet, "/api/v1/records/not-a-uuid", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed id, got %d", rec.Code)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronomail/chronomail/internal/admission"
	"github.com/chronomail/chronomail/internal/capsule"
	"github.com/chronomail/chronomail/internal/config"
	"github.com/chronomail/chronomail/internal/dispatcher"
	"github.com/chronomail/chronomail/internal/keystore"
	"github.com/chronomail/chronomail/internal/mail"
	"github.com/chronomail/chronomail/internal/stats"
	"github.com/chronomail/chronomail/internal/template"
)

const testAPIKey = "test-api-key"

type fixture struct {
	server *Server
	store  *capsule.BoltStore
	keys   *keystore.KeyStore
	tmpls  *template.Storage
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T, guard *admission.Guard) *fixture {
	t.Helper()

	store, err := capsule.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	keys, err := keystore.New(store.DB(), "", testLogger())
	if err != nil {
		t.Fatalf("keystore.New() error = %v", err)
	}

	tmpls, err := template.NewStorage(store.DB())
	if err != nil {
		t.Fatalf("template.NewStorage() error = %v", err)
	}

	agg, err := stats.New(store, store.DB(), time.Minute, testLogger())
	if err != nil {
		t.Fatalf("stats.New() error = %v", err)
	}

	disp := dispatcher.New(store, keys, mail.NewConsoleTransportWriter(io.Discard, testLogger()), dispatcher.Config{}, nil, testLogger())

	server := NewServer(Deps{
		Repo:       store,
		Keys:       keys,
		Dispatcher: disp,
		Templates:  tmpls,
		Stats:      agg,
		Guard:      guard,
	}, &config.APIConfig{APIKey: testAPIKey}, testLogger())

	return &fixture{server: server, store: store, keys: keys, tmpls: tmpls}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}

	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("X-API-Key", testAPIKey)
	r.RemoteAddr = "192.0.2.10:40000"
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestAuthRequired(t *testing.T) {
	f := setup(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/capsules", nil)
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status without key = %d, want 401", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/v1/capsules", nil)
	r.Header.Set("Authorization", "Bearer "+testAPIKey)
	w = httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("status with bearer token = %d, want 200", w.Code)
	}

	// Health stays open.
	r = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}

func TestCreateCapsule(t *testing.T) {
	f := setup(t, nil)

	attData := base64.StdEncoding.EncodeToString([]byte("photo bytes"))
	w := f.do(t, http.MethodPost, "/api/v1/capsules", CreateCapsuleRequest{
		Recipient:   "alice@example.com",
		Subject:     "open in a year",
		Message:     "future greetings",
		ScheduledAt: time.Now().Add(24 * time.Hour),
		Attachments: []AttachmentUpload{
			{Name: "photo.jpg", MimeType: "image/jpeg", Data: attData},
		},
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	resp := decode[CapsuleResponse](t, w)
	if resp.Status != string(capsule.StatusPending) {
		t.Errorf("Status = %q, want pending", resp.Status)
	}
	if len(resp.Attachments) != 1 || resp.Attachments[0].Name != "photo.jpg" {
		t.Errorf("Attachments = %+v, want photo.jpg", resp.Attachments)
	}

	// The stored message is encrypted but decryptable.
	stored, err := f.store.Get(context.Background(), resp.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Ciphertext == "future greetings" {
		t.Error("message stored in plaintext")
	}
	plain, err := f.keys.Decrypt(stored.Ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(plain) != "future greetings" {
		t.Errorf("decrypted message = %q", plain)
	}
}

func TestCreateCapsuleValidation(t *testing.T) {
	f := setup(t, nil)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name string
		req  CreateCapsuleRequest
	}{
		{"missing recipient", CreateCapsuleRequest{Message: "m", ScheduledAt: future}},
		{"bad recipient", CreateCapsuleRequest{Recipient: "not-an-email", Message: "m", ScheduledAt: future}},
		{"missing schedule", CreateCapsuleRequest{Recipient: "a@b.com", Message: "m"}},
		{"missing body", CreateCapsuleRequest{Recipient: "a@b.com", ScheduledAt: future}},
		{"past schedule", CreateCapsuleRequest{Recipient: "a@b.com", Message: "m", ScheduledAt: time.Now().Add(-time.Hour)}},
		{"message and template", CreateCapsuleRequest{Recipient: "a@b.com", Message: "m", TemplateID: "x", ScheduledAt: future}},
		{"bad attachment encoding", CreateCapsuleRequest{
			Recipient: "a@b.com", Message: "m", ScheduledAt: future,
			Attachments: []AttachmentUpload{{Name: "f", Data: "!!not-base64!!"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/capsules", tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateCapsuleFromTemplate(t *testing.T) {
	f := setup(t, nil)

	tmpl := &template.Template{
		Name:    "birthday",
		Subject: "Happy birthday, {{.name}}!",
		Text:    "Dear {{.name}}, congratulations.",
	}
	if err := f.tmpls.Create(context.Background(), tmpl); err != nil {
		t.Fatalf("template Create() error = %v", err)
	}

	w := f.do(t, http.MethodPost, "/api/v1/capsules", CreateCapsuleRequest{
		Recipient:   "bob@example.com",
		TemplateID:  tmpl.ID,
		Variables:   map[string]any{"name": "Bob"},
		ScheduledAt: time.Now().Add(time.Hour),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	resp := decode[CapsuleResponse](t, w)
	if resp.Subject != "Happy birthday, Bob!" {
		t.Errorf("Subject = %q, want rendered subject", resp.Subject)
	}

	stored, err := f.store.Get(context.Background(), resp.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	plain, err := f.keys.Decrypt(stored.Ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(plain) != "Dear Bob, congratulations." {
		t.Errorf("decrypted body = %q", plain)
	}

	got, err := f.tmpls.Get(context.Background(), tmpl.ID)
	if err != nil {
		t.Fatalf("template Get() error = %v", err)
	}
	if got.UsageCount != 1 {
		t.Errorf("UsageCount = %d, want 1", got.UsageCount)
	}

	// Unknown template is a 404.
	w = f.do(t, http.MethodPost, "/api/v1/capsules", CreateCapsuleRequest{
		Recipient:   "bob@example.com",
		TemplateID:  "missing",
		ScheduledAt: time.Now().Add(time.Hour),
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("status for missing template = %d, want 404", w.Code)
	}
}

func TestGetCapsuleNotFound(t *testing.T) {
	f := setup(t, nil)

	w := f.do(t, http.MethodGet, "/api/v1/capsules/no-such-id", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestListCapsules(t *testing.T) {
	f := setup(t, nil)

	for i := 0; i < 3; i++ {
		w := f.do(t, http.MethodPost, "/api/v1/capsules", CreateCapsuleRequest{
			Recipient:   fmt.Sprintf("user%d@example.com", i),
			Message:     "m",
			ScheduledAt: time.Now().Add(time.Hour),
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("create %d status = %d", i, w.Code)
		}
	}

	w := f.do(t, http.MethodGet, "/api/v1/capsules?status=pending", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	resp := decode[ListCapsulesResponse](t, w)
	if len(resp.Capsules) != 3 {
		t.Errorf("capsules = %d, want 3", len(resp.Capsules))
	}
	if resp.Stats.Pending != 3 {
		t.Errorf("Stats.Pending = %d, want 3", resp.Stats.Pending)
	}

	w = f.do(t, http.MethodGet, "/api/v1/capsules?status=sent", nil)
	resp = decode[ListCapsulesResponse](t, w)
	if len(resp.Capsules) != 0 {
		t.Errorf("sent capsules = %d, want 0", len(resp.Capsules))
	}
}

func TestDeleteCapsule(t *testing.T) {
	f := setup(t, nil)

	w := f.do(t, http.MethodPost, "/api/v1/capsules", CreateCapsuleRequest{
		Recipient:   "gone@example.com",
		Message:     "m",
		ScheduledAt: time.Now().Add(time.Hour),
	})
	created := decode[CapsuleResponse](t, w)

	w = f.do(t, http.MethodDelete, "/api/v1/capsules/"+created.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", w.Code)
	}

	w = f.do(t, http.MethodDelete, "/api/v1/capsules/"+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestResendCapsule(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	w := f.do(t, http.MethodPost, "/api/v1/capsules", CreateCapsuleRequest{
		Recipient:   "resend@example.com",
		Message:     "m",
		ScheduledAt: time.Now().Add(time.Hour),
	})
	created := decode[CapsuleResponse](t, w)

	// Drive it to failed.
	if err := f.store.CompareAndSetStatus(ctx, created.ID, capsule.StatusPending, capsule.StatusProcessing, capsule.StatusFields{}); err != nil {
		t.Fatalf("claim error = %v", err)
	}
	if err := f.store.CompareAndSetStatus(ctx, created.ID, capsule.StatusProcessing, capsule.StatusFailed, capsule.StatusFields{FailureReason: "boom"}); err != nil {
		t.Fatalf("fail error = %v", err)
	}

	w = f.do(t, http.MethodPost, "/api/v1/capsules/"+created.ID+"/resend", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resend status = %d, want 200: %s", w.Code, w.Body.String())
	}

	stored, err := f.store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != capsule.StatusPending {
		t.Errorf("status after resend = %q, want pending", stored.Status)
	}

	// Drive it to sent; resend must now conflict.
	if err := f.store.CompareAndSetStatus(ctx, created.ID, capsule.StatusPending, capsule.StatusProcessing, capsule.StatusFields{}); err != nil {
		t.Fatalf("claim error = %v", err)
	}
	if err := f.store.CompareAndSetStatus(ctx, created.ID, capsule.StatusProcessing, capsule.StatusSent, capsule.StatusFields{SentAt: time.Now()}); err != nil {
		t.Fatalf("send error = %v", err)
	}

	w = f.do(t, http.MethodPost, "/api/v1/capsules/"+created.ID+"/resend", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("resend of sent status = %d, want 409", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/v1/capsules/missing/resend", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("resend of missing status = %d, want 404", w.Code)
	}
}

func TestTemplateCRUD(t *testing.T) {
	f := setup(t, nil)

	w := f.do(t, http.MethodPost, "/api/v1/templates", TemplateRequest{
		Name:    "welcome",
		Subject: "hello {{.name}}",
		Text:    "hi {{.name}}",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	created := decode[template.Template](t, w)

	// Duplicate name conflicts.
	w = f.do(t, http.MethodPost, "/api/v1/templates", TemplateRequest{
		Name: "welcome", Subject: "s", Text: "t",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", w.Code)
	}

	// Broken template syntax is rejected up front.
	w = f.do(t, http.MethodPost, "/api/v1/templates", TemplateRequest{
		Name: "broken", Subject: "{{.name", Text: "t",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid syntax status = %d, want 400", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/v1/templates/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get status = %d, want 200", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/v1/templates/"+created.ID+"/render", RenderRequest{
		Variables: map[string]any{"name": "Eve"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("render status = %d: %s", w.Code, w.Body.String())
	}
	rendered := decode[template.RenderResult](t, w)
	if rendered.Subject != "hello Eve" {
		t.Errorf("rendered subject = %q", rendered.Subject)
	}

	w = f.do(t, http.MethodPut, "/api/v1/templates/"+created.ID, TemplateRequest{
		Name: "welcome", Subject: "updated", Text: "t",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", w.Code, w.Body.String())
	}
	updated := decode[template.Template](t, w)
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}

	w = f.do(t, http.MethodGet, "/api/v1/templates", nil)
	list := decode[[]template.Template](t, w)
	if len(list) != 1 {
		t.Errorf("templates listed = %d, want 1", len(list))
	}

	w = f.do(t, http.MethodDelete, "/api/v1/templates/"+created.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", w.Code)
	}
}

func TestStatsEndpoints(t *testing.T) {
	f := setup(t, nil)

	w := f.do(t, http.MethodPost, "/api/v1/capsules", CreateCapsuleRequest{
		Recipient:   "stat@example.com",
		Message:     "m",
		ScheduledAt: time.Now().Add(time.Hour),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}

	// Realtime recomputes on a cold cache.
	w = f.do(t, http.MethodGet, "/api/v1/stats/realtime", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("realtime status = %d: %s", w.Code, w.Body.String())
	}
	snapshot := decode[stats.RealtimeSnapshot](t, w)
	if snapshot.TotalCapsules != 1 {
		t.Errorf("TotalCapsules = %d, want 1", snapshot.TotalCapsules)
	}
	if snapshot.SuccessRate != 100.0 {
		t.Errorf("SuccessRate = %v, want 100.0", snapshot.SuccessRate)
	}

	w = f.do(t, http.MethodPost, "/api/v1/stats/collect", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("collect status = %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/api/v1/stats/dashboard?days=7", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dashboard status = %d: %s", w.Code, w.Body.String())
	}
	dash := decode[stats.Dashboard](t, w)
	if dash.Summary.TotalCreated != 1 {
		t.Errorf("Summary.TotalCreated = %d, want 1", dash.Summary.TotalCreated)
	}

	w = f.do(t, http.MethodGet, "/api/v1/stats/dashboard?days=9000", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("oversized window status = %d, want 400", w.Code)
	}
}

func TestKeyEndpoints(t *testing.T) {
	f := setup(t, nil)

	w := f.do(t, http.MethodPost, "/api/v1/keys/rotate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rotate status = %d: %s", w.Code, w.Body.String())
	}
	rotated := decode[map[string]string](t, w)
	if rotated["current_key_id"] == "" {
		t.Error("rotate returned empty key id")
	}

	w = f.do(t, http.MethodGet, "/api/v1/keys", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list keys status = %d", w.Code)
	}
	keys := decode[[]keystore.Key](t, w)
	if len(keys) != 2 {
		t.Errorf("keys listed = %d, want 2", len(keys))
	}
	for _, k := range keys {
		if len(k.Secret) != 0 {
			t.Error("key secret exposed through the API")
		}
	}
}

func TestAdmissionGuardOnCapsuleRoutes(t *testing.T) {
	limiter := admission.NewRateLimiter(admission.RateLimiterConfig{
		Requests:      2,
		Period:        time.Minute,
		BlockDuration: 5 * time.Minute,
	})
	guard := admission.NewGuard(admission.NewIPFilter(nil, nil, testLogger()), limiter, testLogger())
	f := setup(t, guard)

	req := CreateCapsuleRequest{
		Recipient:   "limited@example.com",
		Message:     "m",
		ScheduledAt: time.Now().Add(time.Hour),
	}

	w := f.do(t, http.MethodPost, "/api/v1/capsules", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("first create status = %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want 2", w.Header().Get("X-RateLimit-Limit"))
	}

	f.do(t, http.MethodPost, "/api/v1/capsules", req)
	w = f.do(t, http.MethodPost, "/api/v1/capsules", req)
	if w.Code != http.StatusForbidden {
		t.Errorf("over-limit create status = %d, want 403", w.Code)
	}

	// Read-only capsule routes are not guarded.
	w = f.do(t, http.MethodGet, "/api/v1/capsules", nil)
	if w.Code != http.StatusOK {
		t.Errorf("list status under block = %d, want 200", w.Code)
	}
}

package httpapi_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Cypherspark/notify-gateway/internal/auth"
	"github.com/Cypherspark/notify-gateway/internal/core"
	database "github.com/Cypherspark/notify-gateway/internal/db"
	httpapi "github.com/Cypherspark/notify-gateway/internal/http"
	"github.com/Cypherspark/notify-gateway/internal/metrics"
	"github.com/Cypherspark/notify-gateway/internal/provider"
	"github.com/Cypherspark/notify-gateway/internal/whatsapp"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []provider.Email
}

func (m *recordingMailer) SendEmail(_ context.Context, e provider.Email) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, e)
	return "re_1", nil
}

type apiEnv struct {
	h       http.Handler
	key     *rsa.PrivateKey
	mailer  *recordingMailer
	company string
	other   string
	alumni  string
	noPhone string
	job     string
	app     string
}

// startAPI wires the full stack against a throwaway Postgres. authDelay
// controls how long the loopback session takes to become ready.
func startAPI(t *testing.T, authDelay time.Duration) *apiEnv {
	t.Helper()
	pg := database.StartTestPostgres(t)
	ctx := context.Background()
	e := &apiEnv{mailer: &recordingMailer{}}
	q := pg.Pool
	require.NoError(t, q.QueryRow(ctx, `INSERT INTO companies(name, email) VALUES('Acme','hr@acme.test') RETURNING id`).Scan(&e.company))
	require.NoError(t, q.QueryRow(ctx, `INSERT INTO companies(name, email) VALUES('Globex','hr@globex.test') RETURNING id`).Scan(&e.other))
	require.NoError(t, q.QueryRow(ctx, `INSERT INTO alumni(name, email, phone) VALUES('Budi','budi@mail.test','081234567890') RETURNING id`).Scan(&e.alumni))
	require.NoError(t, q.QueryRow(ctx, `INSERT INTO alumni(name, email) VALUES('Sari','sari@mail.test') RETURNING id`).Scan(&e.noPhone))
	require.NoError(t, q.QueryRow(ctx, `INSERT INTO jobs(company_id, title) VALUES($1,'Go engineer') RETURNING id`, e.company).Scan(&e.job))
	require.NoError(t, q.QueryRow(ctx, `INSERT INTO applications(alumni_id, job_id) VALUES($1,$2) RETURNING id`, e.alumni, e.job).Scan(&e.app))

	sessions := whatsapp.NewManager(whatsapp.NewLoopbackFactory(authDelay, 0), whatsapp.WithReadyTimeout(200*time.Millisecond))
	t.Cleanup(sessions.Close)

	store := core.NewStore(pg)
	wa := provider.NewWhatsAppDispatcher(sessions, "62", 50, 5)
	svc := core.NewService(store, core.NewContactResolver(store.ContactLookups()), e.mailer, wa)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	e.key = key
	e.h = httpapi.NewServer(svc, pg, sessions, auth.NewVerifier(&key.PublicKey, nil)).Router()
	return e
}

func (e *apiEnv) token(t *testing.T, id, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"id": id, "role": role, "exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString(e.key)
	require.NoError(t, err)
	return s
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func TestAuth_TokenAndKindChecks(t *testing.T) {
	e := startAPI(t, time.Hour)

	w := e.do(t, "GET", "/pesan/unread-count", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "unauthorized", decodeBody(t, w)["error"])

	w = e.do(t, "GET", "/pesan/unread-count", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	alumni := e.token(t, e.alumni, "alumni")
	w = e.do(t, "POST", "/pesan/notifikasi-hasil-lamaran", alumni, map[string]any{})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "authorization_error", decodeBody(t, w)["error"])

	company := e.token(t, e.company, "perusahaan")
	w = e.do(t, "GET", "/pesan/alumni/me", company, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	admin := e.token(t, e.company, "admin")
	w = e.do(t, "GET", "/pesan/unread-count", admin, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestOutcomeNotice_EmailThenInbox(t *testing.T) {
	e := startAPI(t, time.Hour)
	company := e.token(t, e.company, "company")
	alumni := e.token(t, e.alumni, "alumni")

	w := e.do(t, "POST", "/pesan/notifikasi-hasil-lamaran", company, map[string]any{
		"application_id": e.app, "job_id": e.job, "outcome": "diterima",
		"content": "Selamat!", "channel": "email",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody(t, w)
	require.Equal(t, "accepted", res["application"].(map[string]any)["status"])
	msgID := res["message"].(map[string]any)["id"].(string)
	require.Len(t, e.mailer.sent, 1)
	require.Equal(t, "budi@mail.test", e.mailer.sent[0].To)

	w = e.do(t, "GET", "/pesan/alumni/me", alumni, nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := decodeBody(t, w)["items"].([]any)
	require.Len(t, items, 1)
	first := items[0].(map[string]any)
	require.Equal(t, msgID, first["id"])
	require.Equal(t, "Acme", first["sender"].(map[string]any)["name"])

	w = e.do(t, "GET", "/pesan/unread-count", alumni, nil)
	require.Equal(t, float64(1), decodeBody(t, w)["unread"])

	// only the recipient may toggle read state
	w = e.do(t, "PATCH", "/pesan/"+msgID+"/sudah-dibaca", company, map[string]any{"read": true})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, "PATCH", "/pesan/"+msgID+"/sudah-dibaca", alumni, map[string]any{"read": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "read", decodeBody(t, w)["delivery_status"])

	w = e.do(t, "PATCH", "/pesan/"+msgID+"/sudah-dibaca", alumni, `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "GET", "/pesan/unread-count", alumni, nil)
	require.Equal(t, float64(0), decodeBody(t, w)["unread"])

	// nothing consumed the event stream, so the log is empty
	w = e.do(t, "GET", "/pesan/"+msgID+"/riwayat-pengiriman", company, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Empty(t, decodeBody(t, w)["items"])
	w = e.do(t, "GET", "/pesan/"+msgID+"/riwayat-pengiriman", e.token(t, e.other, "company"), nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, "DELETE", "/pesan/"+msgID, company, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = e.do(t, "DELETE", "/pesan/"+msgID, alumni, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, "GET", "/pesan/alumni/me", alumni, nil)
	require.Empty(t, decodeBody(t, w)["items"])
}

func TestOutcomeNotice_ErrorMapping(t *testing.T) {
	e := startAPI(t, time.Hour)
	company := e.token(t, e.company, "company")
	other := e.token(t, e.other, "company")

	valid := func() map[string]any {
		return map[string]any{
			"application_id": e.app, "job_id": e.job, "outcome": "rejected",
			"content": "Maaf", "channel": "email",
		}
	}
	cases := []struct {
		name  string
		token string
		body  any
		code  int
		kind  string
	}{
		{"bad json", company, `{"application_id":`, http.StatusBadRequest, "validation_error"},
		{"blank content", company, func() any { b := valid(); b["content"] = "  "; return b }(), http.StatusBadRequest, "validation_error"},
		{"unknown channel", company, func() any { b := valid(); b["channel"] = "sms"; return b }(), http.StatusBadRequest, "validation_error"},
		{"pending outcome", company, func() any { b := valid(); b["outcome"] = "pending"; return b }(), http.StatusBadRequest, "validation_error"},
		{"unknown application", company, func() any { b := valid(); b["application_id"] = e.company; return b }(), http.StatusNotFound, "not_found"},
		{"not the job owner", other, valid(), http.StatusForbidden, "authorization_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(t, "POST", "/pesan/notifikasi-hasil-lamaran", tc.token, tc.body)
			require.Equal(t, tc.code, w.Code, w.Body.String())
			require.Equal(t, tc.kind, decodeBody(t, w)["error"])
		})
	}
	require.Empty(t, e.mailer.sent)
}

func TestOutcomeNotice_SessionNotReadyReportsStoredRow(t *testing.T) {
	e := startAPI(t, time.Hour)
	company := e.token(t, e.company, "company")

	w := e.do(t, "POST", "/pesan/notifikasi-hasil-lamaran", company, map[string]any{
		"application_id": e.app, "job_id": e.job, "outcome": "accepted",
		"content": "Selamat", "channel": "whatsapp",
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	body := decodeBody(t, w)
	require.Equal(t, "session_not_ready", body["error"])
	require.NotEmpty(t, body["message_id"])
	require.Equal(t, "sent", body["delivery_status"])
}

func TestDirectNotice_WhatsAppAndMissingContact(t *testing.T) {
	e := startAPI(t, 0)
	company := e.token(t, e.company, "company")

	w := e.do(t, "POST", "/pesan/kirim-ke-alumni", company, map[string]any{
		"alumni_id": e.alumni, "job_id": e.job, "content": "Halo", "channel": "whatsapp",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "whatsapp", decodeBody(t, w)["channel"])

	w = e.do(t, "POST", "/pesan/kirim-ke-alumni", company, map[string]any{
		"alumni_id": e.noPhone, "content": "Halo", "channel": "whatsapp",
	})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	require.Equal(t, "recipient_contact_missing", decodeBody(t, w)["error"])

	// inbox-only channels are stored without dispatch
	w = e.do(t, "POST", "/pesan/kirim-ke-alumni", company, map[string]any{
		"alumni_id": e.noPhone, "content": "Halo", "channel": "web",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, "GET", "/pesan/unread-count", e.token(t, e.noPhone, "alumni"), nil)
	require.Equal(t, float64(2), decodeBody(t, w)["unread"])
}

func TestWhatsAppSessionEndpoints(t *testing.T) {
	e := startAPI(t, time.Hour)

	w := e.do(t, "GET", "/pesan/whatsapp-status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, map[string]any{"ready": false, "state": "UNINITIALIZED"}, decodeBody(t, w))

	w = e.do(t, "GET", "/pesan/whatsapp-qr", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, "POST", "/pesan/whatsapp-logout", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "POST", "/pesan/whatsapp-init", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decodeBody(t, w)
	require.Equal(t, false, st["ready"])
	require.Equal(t, "AWAITING_AUTHENTICATION", st["state"])

	w = e.do(t, "GET", "/pesan/whatsapp-qr", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, decodeBody(t, w)["qr"], "loopback-")

	w = e.do(t, "POST", "/pesan/whatsapp-logout", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, "GET", "/pesan/whatsapp-status", "", nil)
	require.Equal(t, "UNINITIALIZED", decodeBody(t, w)["state"])
}

func TestWhatsAppInit_Ready(t *testing.T) {
	e := startAPI(t, 0)
	w := e.do(t, "POST", "/pesan/whatsapp-init", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decodeBody(t, w)["ready"])
}

func TestFreeMessages_Flow(t *testing.T) {
	e := startAPI(t, time.Hour)
	alumni := e.token(t, e.alumni, "alumni")
	company := e.token(t, e.company, "company")
	other := e.token(t, e.other, "company")

	w := e.do(t, "POST", "/pesan-bebas", alumni, map[string]any{
		"content": "Apakah lowongan masih dibuka?",
		"recipient": map[string]any{"id": e.company, "kind": "perusahaan"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sent := decodeBody(t, w)
	id := sent["id"].(string)
	require.Equal(t, "Budi", sent["sender_info"].(map[string]any)["name"])

	w = e.do(t, "POST", "/pesan-bebas", alumni, map[string]any{
		"content": "x", "recipient": map[string]any{"id": e.alumni, "kind": "company"},
	})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, "GET", "/pesan-bebas", company, nil)
	require.Len(t, decodeBody(t, w)["items"], 1)
	w = e.do(t, "GET", "/pesan-bebas", other, nil)
	require.Empty(t, decodeBody(t, w)["items"])

	w = e.do(t, "GET", "/pesan-bebas/unread-count", company, nil)
	require.Equal(t, float64(1), decodeBody(t, w)["unread"])

	w = e.do(t, "PATCH", "/pesan-bebas/"+id+"/dibaca", alumni, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	w = e.do(t, "PATCH", "/pesan-bebas/"+id+"/dibaca", company, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decodeBody(t, w)["read"])

	w = e.do(t, "GET", "/pesan-bebas/unread-count", company, nil)
	require.Equal(t, float64(0), decodeBody(t, w)["unread"])

	w = e.do(t, "DELETE", "/pesan-bebas/"+id, other, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	w = e.do(t, "DELETE", "/pesan-bebas/"+id, alumni, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestHealthMetricsDocs(t *testing.T) {
	e := startAPI(t, time.Hour)

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/openapi.yaml", "/docs"} {
		w := e.do(t, "GET", path, "", nil)
		require.Equal(t, http.StatusOK, w.Code, path)
	}
	w := e.do(t, "GET", "/metrics", "", nil)
	require.Contains(t, w.Body.String(), "http_requests_total")
}

type downDB struct{}

func (downDB) Ping(context.Context) error { return errors.New("connection refused") }

type busState bool

func (b busState) IsConnected() bool { return bool(b) }

func TestReady_ReportsComponents(t *testing.T) {
	sessions := whatsapp.NewManager(whatsapp.NewLoopbackFactory(time.Hour, 0))
	t.Cleanup(sessions.Close)
	srv := httpapi.NewServer(nil, downDB{}, sessions, auth.NewVerifier(nil, nil))
	srv.Events = busState(false)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.JSONEq(t, `{"db":"unreachable","whatsapp":"UNINITIALIZED","events":"disconnected"}`, w.Body.String())
}

func TestRouter_RegistersMetricsAlongsideBinary(t *testing.T) {
	metrics.MustRegister()
	sessions := whatsapp.NewManager(whatsapp.NewLoopbackFactory(time.Hour, 0))
	t.Cleanup(sessions.Close)
	srv := httpapi.NewServer(nil, downDB{}, sessions, auth.NewVerifier(nil, nil))

	var h http.Handler
	require.NotPanics(t, func() { h = srv.Router() })
	require.NotPanics(t, func() { _ = srv.Router() })

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}

package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bigkaa/dmzrelay/internal/domain/model"
	"github.com/bigkaa/dmzrelay/internal/domain/relayerr"
	"github.com/bigkaa/dmzrelay/internal/domain/role"
	"github.com/bigkaa/dmzrelay/internal/origin"
	"github.com/bigkaa/dmzrelay/internal/outbound"
	"github.com/bigkaa/dmzrelay/internal/reqctx"
	"github.com/bigkaa/dmzrelay/internal/storage/auditstore"
	"github.com/bigkaa/dmzrelay/internal/validator"
)

const (
	corpIdentity = "CN=corporate"
	lowIdentity  = "CN=low"
	msgPayload   = `{"ID":"550e8400-e29b-41d4-a716-446655440000","Project":"ABC","Test ID":"T-001","Timestamp":"2024-01-15T10:30:00Z","Test Status":"passed","Data":{"env":"prod"}}`
	userPayload  = `{"username":"alice","password_hash":"$2b$12$abc"}`
)

type sentRequest struct {
	path      string
	body      []byte
	requestID string
}

// fakeSender записывает отправленные запросы и возвращает заданную ошибку.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentRequest
	err  error
}

func (s *fakeSender) Send(ctx context.Context, path string, payload []byte) (*outbound.DeliveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentRequest{path: path, body: payload, requestID: reqctx.RequestID(ctx)})
	if s.err != nil {
		return nil, s.err
	}
	return &outbound.DeliveryResult{StatusCode: 200, Attempts: 1}, nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type failingAudit struct{}

func (failingAudit) Write(*model.AuditRecord) (string, error) {
	return "", &relayerr.StorageError{Op: "audit", Path: "/x", Err: errors.New("диск заполнен")}
}

type testEnv struct {
	fwd   *Forwarder
	corp  *fakeSender
	low   *fakeSender
	audit *auditstore.Store
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	audit, err := auditstore.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("auditstore.New: %v", err)
	}
	v, err := validator.New([]model.Variant{model.VariantISO, model.VariantLegacy})
	if err != nil {
		t.Fatalf("validator.New: %v", err)
	}
	env := &testEnv{corp: &fakeSender{}, low: &fakeSender{}, audit: audit}
	env.fwd = New(origin.NewResolver(corpIdentity, lowIdentity), audit, v,
		Clients{Corporate: env.corp, Low: env.low}, testLogger())
	return env
}

// auditFiles возвращает все аудиторские файлы.
func auditFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*", "*.json"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestForwardMessage_CorporateToLow(t *testing.T) {
	env := newTestEnv(t)
	ctx := reqctx.WithRequestID(context.Background(), "req-42")

	res, err := env.fwd.ForwardMessage(ctx, origin.Origin{Identity: corpIdentity}, []byte(msgPayload))
	if err != nil {
		t.Fatalf("ForwardMessage: %v", err)
	}
	if res.Direction != model.DirectionCorporateToLow {
		t.Errorf("направление = %q", res.Direction)
	}
	if res.MessageID != "550e8400-e29b-41d4-a716-446655440000" {
		t.Errorf("message_id = %q", res.MessageID)
	}
	if env.corp.count() != 0 {
		t.Error("сообщение не должно отправляться обратно отправителю")
	}
	if env.low.count() != 1 {
		t.Fatalf("отправок на низкую сторону = %d, ожидалась 1", env.low.count())
	}
	sent := env.low.sent[0]
	if sent.path != outbound.PathDMZMessages {
		t.Errorf("путь = %q, ожидался %q", sent.path, outbound.PathDMZMessages)
	}
	if sent.requestID != "req-42" {
		t.Errorf("request_id не передан: %q", sent.requestID)
	}

	rec, err := env.audit.Read(res.AuditPath)
	if err != nil {
		t.Fatalf("чтение аудита: %v", err)
	}
	if rec.Kind != model.AuditKindMessage || rec.Direction != model.DirectionCorporateToLow {
		t.Errorf("аудит = %+v", rec)
	}
	if rec.Origin != corpIdentity || rec.RequestID != "req-42" {
		t.Errorf("аудит: origin=%q request_id=%q", rec.Origin, rec.RequestID)
	}
}

func TestForwardMessage_LowToCorporate(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.fwd.ForwardMessage(context.Background(),
		origin.Origin{Identity: lowIdentity, AssertedSide: "low"}, []byte(msgPayload))
	if err != nil {
		t.Fatalf("ForwardMessage: %v", err)
	}
	if res.Direction != model.DirectionLowToCorporate {
		t.Errorf("направление = %q", res.Direction)
	}
	if env.corp.count() != 1 || env.low.count() != 0 {
		t.Errorf("отправки: corporate=%d low=%d, ожидалось 1 и 0", env.corp.count(), env.low.count())
	}
}

func TestForwardMessage_ForwardsCanonicalForm(t *testing.T) {
	env := newTestEnv(t)
	// Ключи в произвольном порядке, ID в верхнем регистре
	payload := `{"Data":{"env":"prod"},"Test Status":"passed","Timestamp":"2024-01-15T10:30:00Z","Test ID":"T-001","Project":"ABC","ID":"550E8400-E29B-41D4-A716-446655440000"}`
	if _, err := env.fwd.ForwardMessage(context.Background(), origin.Origin{Identity: corpIdentity}, []byte(payload)); err != nil {
		t.Fatalf("ForwardMessage: %v", err)
	}
	if got := string(env.low.sent[0].body); got != msgPayload {
		t.Errorf("пересланное тело:\n%s\nожидалось:\n%s", got, msgPayload)
	}
}

func TestForwardMessage_OriginRejectedWithoutAudit(t *testing.T) {
	tests := []struct {
		name   string
		origin origin.Origin
	}{
		{"неизвестная идентичность", origin.Origin{Identity: "CN=intruder"}},
		{"без идентичности", origin.Origin{}},
		{"расхождение стороны", origin.Origin{Identity: lowIdentity, AssertedSide: "corporate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.fwd.ForwardMessage(context.Background(), tt.origin, []byte(msgPayload))
			var oe *relayerr.OriginError
			if !errors.As(err, &oe) {
				t.Fatalf("ожидалась OriginError, получено %v", err)
			}
			if n := len(auditFiles(t, env.audit.Dir())); n != 0 {
				t.Errorf("аудиторских записей = %d, ожидалось 0", n)
			}
			if env.corp.count()+env.low.count() != 0 {
				t.Error("запрос с недопустимым происхождением не должен пересылаться")
			}
		})
	}
}

func TestForwardMessage_InvalidIsAuditedNotForwarded(t *testing.T) {
	env := newTestEnv(t)
	payload := `{"ID":"bad", "Project":"a<b&c"}`

	_, err := env.fwd.ForwardMessage(context.Background(), origin.Origin{Identity: corpIdentity}, []byte(payload))
	var se *relayerr.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("ожидалась SchemaError, получено %v", err)
	}
	if env.low.count() != 0 {
		t.Error("невалидное сообщение не должно пересылаться")
	}

	files := auditFiles(t, env.audit.Dir())
	if len(files) != 1 {
		t.Fatalf("аудиторских записей = %d, ожидалась 1", len(files))
	}
	rec, err := env.audit.Read(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(rec.Payload) != payload {
		t.Errorf("payload аудита = %s, ожидалось %s", rec.Payload, payload)
	}
}

func TestForwardMessage_NonJSONIsAuditedAsString(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.fwd.ForwardMessage(context.Background(), origin.Origin{Identity: corpIdentity}, []byte("not json")); err == nil {
		t.Fatal("ожидалась ошибка схемы")
	}
	files := auditFiles(t, env.audit.Dir())
	if len(files) != 1 {
		t.Fatalf("аудиторских записей = %d, ожидалась 1", len(files))
	}
	rec, err := env.audit.Read(files[0])
	if err != nil {
		t.Fatal(err)
	}
	var s string
	if err := json.Unmarshal(rec.Payload, &s); err != nil || s != "not json" {
		t.Errorf("payload аудита = %s, ожидалась строка", rec.Payload)
	}
}

func TestForwardMessage_AuditFailureBlocksForward(t *testing.T) {
	v, err := validator.New([]model.Variant{model.VariantISO})
	if err != nil {
		t.Fatal(err)
	}
	low := &fakeSender{}
	fwd := New(origin.NewResolver(corpIdentity, lowIdentity), failingAudit{}, v,
		Clients{Corporate: &fakeSender{}, Low: low}, testLogger())

	_, err = fwd.ForwardMessage(context.Background(), origin.Origin{Identity: corpIdentity}, []byte(msgPayload))
	var se *relayerr.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("ожидалась StorageError, получено %v", err)
	}
	if low.count() != 0 {
		t.Error("без аудиторской записи пересылка недопустима")
	}
}

func TestForwardMessage_DeliveryFailureKeepsAudit(t *testing.T) {
	env := newTestEnv(t)
	env.low.err = &relayerr.DeliveryError{Target: "low", Attempts: 3, LastStatus: 503}

	_, err := env.fwd.ForwardMessage(context.Background(), origin.Origin{Identity: corpIdentity}, []byte(msgPayload))
	var de *relayerr.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("ожидалась DeliveryError, получено %v", err)
	}
	if n := len(auditFiles(t, env.audit.Dir())); n != 1 {
		t.Errorf("аудиторских записей = %d, ожидалась 1", n)
	}
}

func TestForwardUser_FromCorporate(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.fwd.ForwardUser(context.Background(), origin.Origin{Identity: corpIdentity}, []byte(userPayload))
	if err != nil {
		t.Fatalf("ForwardUser: %v", err)
	}
	if res.Username != "alice" {
		t.Errorf("username = %q", res.Username)
	}
	if env.low.count() != 1 || env.low.sent[0].path != outbound.PathDMZUsers {
		t.Fatalf("ожидалась одна отправка на %s", outbound.PathDMZUsers)
	}

	var rec model.UserRecord
	if err := json.Unmarshal(env.low.sent[0].body, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Action != model.ActionUpsert || !rec.Enabled || !rec.MustChangePassword {
		t.Errorf("значения по умолчанию не применены: %+v", rec)
	}
	if rec.PasswordHash != "$2b$12$abc" {
		t.Errorf("password_hash = %q", rec.PasswordHash)
	}

	audit, err := env.audit.Read(res.AuditPath)
	if err != nil {
		t.Fatal(err)
	}
	if audit.Kind != model.AuditKindUser {
		t.Errorf("kind = %q, ожидался user", audit.Kind)
	}
}

func TestForwardUser_FromLowRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.fwd.ForwardUser(context.Background(), origin.Origin{Identity: lowIdentity}, []byte(userPayload))
	var oe *relayerr.OriginError
	if !errors.As(err, &oe) {
		t.Fatalf("ожидалась OriginError, получено %v", err)
	}
	if env.low.count()+env.corp.count() != 0 {
		t.Error("учётная запись от низкой стороны не должна пересылаться")
	}
	if n := len(auditFiles(t, env.audit.Dir())); n != 0 {
		t.Errorf("аудиторских записей = %d, ожидалось 0", n)
	}
}

func TestForwardUser_InvalidIsAudited(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.fwd.ForwardUser(context.Background(), origin.Origin{Identity: corpIdentity},
		[]byte(`{"username":"alice","action":"upsert"}`))
	var se *relayerr.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("ожидалась SchemaError, получено %v", err)
	}
	if n := len(auditFiles(t, env.audit.Dir())); n != 1 {
		t.Errorf("аудиторских записей = %d, ожидалась 1", n)
	}
	if env.low.count() != 0 {
		t.Error("невалидная запись не должна пересылаться")
	}
}

func TestDirectionFrom(t *testing.T) {
	tests := []struct {
		side role.Role
		want model.Direction
	}{
		{role.Corporate, model.DirectionCorporateToLow},
		{role.Low, model.DirectionLowToCorporate},
	}
	for _, tt := range tests {
		if got := directionFrom(tt.side); got != tt.want {
			t.Errorf("directionFrom(%s) = %q, ожидалось %q", tt.side, got, tt.want)
		}
	}
}

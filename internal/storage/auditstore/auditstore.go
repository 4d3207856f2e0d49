// Пакет auditstore - аудиторские копии запросов, прошедших через шлюз.
//
// Раскладка: {data_dir}/audit/{YYYY-MM-DD}/{ulid}_{kind}.json.
// ULID сортируется по времени, поэтому листинг директории даёт
// порядок поступления.
//
// Файл - компактный JSON, в котором payload идёт последним полем и
// содержит полученные байты без переформатирования.
package auditstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	mathrand "math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dmzrelay/internal/domain/model"
	"github.com/bigkaa/dmzrelay/internal/domain/relayerr"
	"github.com/bigkaa/dmzrelay/internal/storage/atomicfile"
)

// payloadKey - разделитель конверта и тела запроса в файле. Внутри
// строк конверта кавычки экранированы, поэтому первое вхождение
// всегда структурное.
var payloadKey = []byte(`,"payload":`)

var auditRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dmz_audit_records_total",
	Help: "Количество аудиторских записей на шлюзе.",
}, []string{"kind", "direction"})

// Store - хранилище аудиторских записей.
type Store struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// New создаёт хранилище в {dataDir}/audit.
func New(dataDir string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Join(dataDir, "audit")
	if err := os.MkdirAll(dir, atomicfile.DirPerm); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию аудита %s: %w", dir, err)
	}
	return &Store{
		dir:     dir,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "audit_store")),
		entropy: ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

// Write присваивает записи ULID и время получения и атомарно сохраняет её.
// Возвращает путь к файлу.
func (s *Store) Write(rec *model.AuditRecord) (string, error) {
	now := s.now().UTC()
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = now
	}
	if rec.AuditID == "" {
		rec.AuditID = s.newID(now)
	}

	path := filepath.Join(s.dir, rec.ReceivedAt.Format("2006-01-02"),
		fmt.Sprintf("%s_%s.json", rec.AuditID, rec.Kind))

	data, err := encode(rec)
	if err != nil {
		return "", &relayerr.StorageError{Op: "audit_marshal", Path: path, Err: err}
	}
	if _, err := atomicfile.Write(path, data); !atomicfile.Committed(err) {
		return "", &relayerr.StorageError{Op: "audit", Path: path, Err: err}
	} else if err != nil {
		s.logger.Warn("Аудиторская запись сохранена без fsync директории",
			slog.String("audit_id", rec.AuditID),
			slog.String("error", err.Error()),
		)
	}

	auditRecordsTotal.WithLabelValues(string(rec.Kind), string(rec.Direction)).Inc()
	s.logger.Debug("Аудиторская запись сохранена",
		slog.String("audit_id", rec.AuditID),
		slog.String("kind", string(rec.Kind)),
		slog.String("direction", string(rec.Direction)),
		slog.String("request_id", rec.RequestID),
	)
	return path, nil
}

// Read читает аудиторскую запись по пути.
func (s *Store) Read(path string) (*model.AuditRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения аудиторской записи %s: %w", path, err)
	}
	var rec model.AuditRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("ошибка разбора аудиторской записи %s: %w", path, err)
	}
	// Unmarshal отбрасывает пробелы вокруг значения; тело берётся из файла как есть
	body := bytes.TrimSuffix(data, []byte("\n"))
	if i := bytes.Index(body, payloadKey); i >= 0 && bytes.HasSuffix(body, []byte("}")) {
		rec.Payload = json.RawMessage(body[i+len(payloadKey) : len(body)-1])
	}
	return &rec, nil
}

// encode сериализует конверт записи и дописывает payload последним полем
// без изменений. Невалидный JSON записывается строкой.
func encode(rec *model.AuditRecord) ([]byte, error) {
	payload := []byte(rec.Payload)
	if len(payload) == 0 || !json.Valid(payload) {
		quoted, err := quote(payload)
		if err != nil {
			return nil, err
		}
		payload = quoted
	}

	envelope := *rec
	envelope.Payload = nil
	head, err := json.Marshal(&envelope)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(head) + len(payloadKey) + len(payload) + 2)
	buf.Write(head[:len(head)-1])
	buf.Write(payloadKey)
	buf.Write(payload)
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// quote кодирует произвольные байты JSON-строкой без HTML-экранирования.
func quote(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(string(b)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Dir возвращает корень директории аудита.
func (s *Store) Dir() string {
	return s.dir
}

// newID возвращает монотонный ULID.
func (s *Store) newID(t time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

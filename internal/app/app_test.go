package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/internhub/trustledger/internal/config"
	"github.com/internhub/trustledger/internal/logging"
	"github.com/internhub/trustledger/internal/notify"
	"github.com/internhub/trustledger/internal/storage/memory"
)

const memoryConfig = `
storage:
  driver: memory
security:
  collaborators:
    - name: placement-service
      token: tok-placement
  read_token: tok-read
notify:
  embedded_relay: true
  poll_interval_seconds: 1
`

func TestNewServesLedgerAndDrainsOutbox(t *testing.T) {
	cfg, err := config.Parse([]byte(memoryConfig))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	application, err := New(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := application.publisher.(*notify.LogPublisher); !ok {
		t.Fatalf("expected log publisher, got %T", application.publisher)
	}

	body := `{"dedup_key":"doc-1","subject_type":"student","subject_id":"stu-1","event_type":"DOCUMENT_VERIFIED",` +
		`"payload":{"document_id":"d-1"},"occurred_at":"2026-01-05T10:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/ledger/events", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-placement")
	rec := httptest.NewRecorder()
	application.Server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("append: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header from logging middleware")
	}

	store := application.Store.(*memory.Store)
	if rows := store.OutboxSnapshot(); len(rows) != 1 || rows[0].Status != "pending" {
		t.Fatalf("expected one pending tier change, got %+v", rows)
	}

	application.StartRelay()
	deadline := time.Now().Add(3 * time.Second)
	for {
		rows := store.OutboxSnapshot()
		if len(rows) == 1 && rows[0].Status == "sent" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("outbox was not drained: %+v", rows)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNewRejectsMissingRegistryFile(t *testing.T) {
	cfg, err := config.Parse([]byte(memoryConfig + `
ledger:
  requirements_path: /nonexistent/requirements.yaml
`))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	if _, err := New(context.Background(), cfg, logging.Discard()); err == nil || !strings.Contains(err.Error(), "load requirement registry") {
		t.Fatalf("expected registry error, got %v", err)
	}
}

func TestBuildPublisher(t *testing.T) {
	var cfg config.NotifyConfig
	cfg.Publisher = "kafka"
	cfg.Kafka.Brokers = []string{"127.0.0.1:9092"}
	cfg.Kafka.Topic = "trust.tier_changes"
	pub, err := BuildPublisher(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("BuildPublisher kafka: %v", err)
	}
	if _, ok := pub.(*notify.KafkaPublisher); !ok {
		t.Fatalf("expected kafka publisher, got %T", pub)
	}
	_ = pub.Close()

	cfg.Publisher = "sns"
	if _, err := BuildPublisher(cfg, logging.Discard()); err == nil {
		t.Fatal("expected unsupported publisher error")
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := OpenStore(context.Background(), config.StorageConfig{Driver: "sqlite"}); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"agentboard/internal/config"
	"agentboard/internal/db"
	"agentboard/internal/domain"
	"agentboard/internal/engine"
	"agentboard/internal/migrate"
)

type webhookDelivery struct {
	entry  ActivityResponse
	action string
}

func TestWebhookDispatcherSkipsHistory(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())

	// Pre-existing ledger rows from before the dispatcher came up.
	for _, title := range []string{"one", "two", "three"} {
		if _, err := e.CreateCard(ctx, engine.CardCreateOptions{Title: title}, domain.Owner); err != nil {
			t.Fatalf("create card: %v", err)
		}
	}

	var mu sync.Mutex
	var deliveries []webhookDelivery
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var entry ActivityResponse
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		mu.Lock()
		deliveries = append(deliveries, webhookDelivery{entry: entry, action: r.Header.Get("X-Agentboard-Action")})
		mu.Unlock()
	}))
	defer sink.Close()

	d := &webhookDispatcher{
		engine:   e,
		webhooks: []config.WebhookConfig{{URL: sink.URL}},
		client:   sink.Client(),
		log:      logrus.New(),
		cursors:  make(map[int]int64),
	}

	d.dispatchAll()
	mu.Lock()
	replayed := len(deliveries)
	mu.Unlock()
	if replayed != 0 {
		t.Fatalf("first poll must not replay the existing ledger, delivered %d entries", replayed)
	}

	c, err := e.CreateCard(ctx, engine.CardCreateOptions{Title: "fresh"}, domain.Owner)
	if err != nil {
		t.Fatalf("create card: %v", err)
	}
	d.dispatchAll()

	mu.Lock()
	defer mu.Unlock()
	if len(deliveries) != 1 {
		t.Fatalf("expected one delivery for the new ledger row, got %d", len(deliveries))
	}
	got := deliveries[0]
	if got.entry.CardID != c.ID || got.entry.Action != "create" {
		t.Fatalf("unexpected delivery %+v", got.entry)
	}
	if got.action != "create" {
		t.Fatalf("delivery header should carry the action, got %q", got.action)
	}
}

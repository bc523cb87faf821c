package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/database"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/delivery"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/events"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/social"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testAPI struct {
	server    *httptest.Server
	tokens    *auth.TokenIssuer
	directory *users.Service
	store     *notifications.Store
	registry  *realtime.Registry
	db        *gorm.DB
}

func newTestAPI(t *testing.T, capacity int) testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.Migrate(db, nil); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct user directory: %v", err)
	}
	ctx := context.Background()
	for id, nickname := range map[string]string{"owner": "Rowan", "guest": "Avery", "fan": "Sasha"} {
		if _, err := directory.Register(ctx, id, nickname); err != nil {
			t.Fatalf("failed to register %s: %v", id, err)
		}
	}

	store, err := notifications.NewStore(notifications.StoreConfig{Database: db, Directory: directory})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	registry := realtime.NewRegistry(capacity)
	bus := events.NewBus(64, nil)
	socialService, err := social.NewService(social.ServiceConfig{Database: db, Publisher: bus, Notifications: store})
	if err != nil {
		t.Fatalf("failed to construct social service: %v", err)
	}
	dispatcher, err := delivery.NewDispatcher(delivery.Config{
		Store:      store,
		Registry:   registry,
		Profiles:   directory,
		References: socialService,
	})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	bus.Subscribe(dispatcher.Handle)
	busContext, cancelBus := context.WithCancel(context.Background())
	go bus.Run(busContext)
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "wanderlog-api",
		Audience:      "wanderlog-clients",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenValidator: tokens,
		Notifications:  store,
		Social:         socialService,
		Registry:       registry,
		Profiles:       directory,
		Stream:         StreamSettings{Timeout: 10 * time.Second, HeartbeatInterval: 5 * time.Second, BufferSize: 8},
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		bus.Close()
		cancelBus()
	})
	return testAPI{server: server, tokens: tokens, directory: directory, store: store, registry: registry, db: db}
}

func (api testAPI) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := api.tokens.IssueBackendToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// do performs an authenticated JSON request and decodes the response into out when out is non-nil.
func (api testAPI) do(t *testing.T, userID, method, path, body string, out interface{}) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request, err := http.NewRequest(method, api.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+api.token(t, userID))
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}

type streamEvent struct {
	name string
	data string
}

type eventStream struct {
	response *http.Response
	events   chan streamEvent
}

// openStream connects an EventSource style client authenticated through the query string.
func (api testAPI) openStream(t *testing.T, userID string) (*http.Response, *eventStream) {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, api.server.URL+"/notifications/stream?access_token="+api.token(t, userID), http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	if response.StatusCode != http.StatusOK {
		return response, nil
	}
	stream := &eventStream{response: response, events: make(chan streamEvent, 16)}
	go stream.read()
	return response, stream
}

func (s *eventStream) read() {
	defer close(s.events)
	reader := bufio.NewReader(s.response.Body)
	current := streamEvent{}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if current.name != "" || current.data != "" {
				s.events <- current
			}
			current = streamEvent{}
		case strings.HasPrefix(line, "event:"):
			current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

// next returns the next event with the given name, skipping others.
func (s *eventStream) next(t *testing.T, name string) streamEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, open := <-s.events:
			if !open {
				t.Fatalf("stream ended while waiting for %s", name)
			}
			if event.name == name {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", name)
		}
	}
}

// waitFor polls condition until it holds or the deadline passes.
func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

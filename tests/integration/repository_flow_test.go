package integration_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nodestore/internal/app"
	"github.com/MarcoPoloResearchLab/nodestore/internal/auth"
	"github.com/MarcoPoloResearchLab/nodestore/internal/config"
	"github.com/MarcoPoloResearchLab/nodestore/internal/database"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "app_session"
	sessionIssuer        = "tauth"
	readerSubject        = "reader-abc"
	jsonContentType      = "application/json"
)

type nodeView struct {
	ID          int64          `json:"id"`
	ParentID    int64          `json:"parent_id"`
	Name        string         `json:"name"`
	Path        string         `json:"path"`
	Type        string         `json:"type"`
	Version     string         `json:"version"`
	Timestamp   int64          `json:"timestamp"`
	Restriction string         `json:"restriction"`
	Properties  map[string]any `json:"properties"`
}

type client struct {
	t       *testing.T
	baseURL string
	auth    func(*http.Request)
}

func (c client) do(method, path string, body any) (int, []byte) {
	c.t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		c.t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	c.auth(request)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		c.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		c.t.Fatalf("failed to read response: %v", err)
	}
	return response.StatusCode, payload
}

func (c client) mustNode(method, path string, body any, wantStatus int) nodeView {
	c.t.Helper()
	status, payload := c.do(method, path, body)
	if status != wantStatus {
		c.t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, status, payload)
	}
	var view nodeView
	if err := json.Unmarshal(payload, &view); err != nil {
		c.t.Fatalf("failed to decode node: %v", err)
	}
	return view
}

func (c client) expectError(method, path string, body any, wantStatus int, wantCode string) {
	c.t.Helper()
	status, payload := c.do(method, path, body)
	if status != wantStatus {
		c.t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, status, payload)
	}
	var errorPayload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &errorPayload); err != nil || errorPayload.Error != wantCode {
		c.t.Fatalf("%s %s: expected error %q, got %s", method, path, wantCode, payload)
	}
}

func TestRepositoryFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.OpenSQLite("file:integration?mode=memory&cache=shared", zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	instance, err := app.Build(ctx, app.Options{
		Config: config.AppConfig{
			SigningSecret:    sessionSigningSecret,
			Issuer:           sessionIssuer,
			CookieName:       sessionCookieName,
			TokenTTL:         time.Hour,
			SaveMaxAttempts:  3,
			SaveRetryBackoff: time.Millisecond,
			CacheSize:        128,
			LockTimeout:      time.Second,
			LockPollInterval: 10 * time.Millisecond,
			LockWaitTimeout:  time.Second,
			InstanceID:       "integration",
		},
		Database: db,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build repository: %v", err)
	}
	defer instance.Close()

	testServer := httptest.NewServer(instance.Handler)
	defer testServer.Close()

	adminCookie := &http.Cookie{
		Name:  sessionCookieName,
		Value: mustMintSessionToken(testContext, sessionSigningSecret, database.SystemUserSubject, time.Now()),
	}
	admin := client{t: testContext, baseURL: testServer.URL, auth: func(r *http.Request) { r.AddCookie(adminCookie) }}

	readerToken, _, err := instance.Tokens.IssueSessionToken(ctx, readerSubject, "Reader")
	if err != nil {
		testContext.Fatalf("failed to issue reader token: %v", err)
	}
	reader := client{t: testContext, baseURL: testServer.URL, auth: func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+readerToken)
	}}

	root := admin.mustNode(http.MethodGet, "/paths/"+database.RootName, nil, http.StatusOK)
	if root.Path != "/"+database.RootName || root.Type != "Folder" {
		testContext.Fatalf("unexpected root %+v", root)
	}

	events := openEventStream(testContext, testServer.URL, readerToken)

	docs := admin.mustNode(http.MethodPost, "/nodes", map[string]any{
		"parent_id": root.ID,
		"type":      "Folder",
		"name":      "docs",
	}, http.StatusCreated)
	intro := admin.mustNode(http.MethodPost, "/nodes", map[string]any{
		"parent_id":  docs.ID,
		"type":       "Article",
		"name":       "intro",
		"properties": map[string]any{"DisplayName": "Introduction", "Body": "first body", "Rating": 3},
	}, http.StatusCreated)
	if intro.Version != "V1.0.A" || intro.Path != "/Root/docs/intro" {
		testContext.Fatalf("unexpected created article %+v", intro)
	}
	admin.expectError(http.MethodPost, "/nodes", map[string]any{"parent_id": docs.ID, "type": "Article", "name": "intro"}, http.StatusConflict, "already_exists")

	waitForEvent(testContext, events, "created", docs.ID)

	minor := admin.mustNode(http.MethodPatch, fmt.Sprintf("/nodes/%d", intro.ID), map[string]any{
		"expected_timestamp": intro.Timestamp,
		"raise":              "minor",
		"properties":         map[string]any{"Body": "second body"},
	}, http.StatusOK)
	if minor.Version != "V1.1.D" || minor.Properties["Body"] != "second body" {
		testContext.Fatalf("unexpected minor version %+v", minor)
	}
	admin.expectError(http.MethodPatch, fmt.Sprintf("/nodes/%d", intro.ID), map[string]any{
		"expected_timestamp": intro.Timestamp,
		"properties":         map[string]any{"Body": "lost update"},
	}, http.StatusConflict, "out_of_date")

	readerView := reader.mustNode(http.MethodGet, fmt.Sprintf("/nodes/%d", intro.ID), nil, http.StatusOK)
	if readerView.Version != "V1.0.A" || readerView.Properties["Body"] != "first body" {
		testContext.Fatalf("expected the reader to see the published major, got %+v", readerView)
	}
	reader.expectError(http.MethodGet, fmt.Sprintf("/nodes/%d?version=lastminor", intro.ID), nil, http.StatusForbidden, "security_denied")
	reader.expectError(http.MethodPost, "/admin/schema/reload", nil, http.StatusForbidden, "security_denied")

	archive := admin.mustNode(http.MethodPost, "/nodes", map[string]any{"parent_id": root.ID, "type": "Folder", "name": "archive"}, http.StatusCreated)
	moved := admin.mustNode(http.MethodPost, fmt.Sprintf("/nodes/%d/move", docs.ID), map[string]any{"target_parent_id": archive.ID}, http.StatusOK)
	if moved.Path != "/Root/archive/docs" {
		testContext.Fatalf("unexpected moved path %q", moved.Path)
	}
	movedIntro := admin.mustNode(http.MethodGet, "/paths/Root/archive/docs/intro?version=lastminor", nil, http.StatusOK)
	if movedIntro.ID != intro.ID || movedIntro.Version != "V1.1.D" {
		testContext.Fatalf("unexpected article after move %+v", movedIntro)
	}
	admin.expectError(http.MethodGet, "/paths/Root/docs/intro", nil, http.StatusNotFound, "not_found")

	status, payload := admin.do(http.MethodDelete, fmt.Sprintf("/nodes/%d", docs.ID), nil)
	if status != http.StatusNoContent {
		testContext.Fatalf("unexpected delete status %d: %s", status, payload)
	}
	admin.expectError(http.MethodGet, fmt.Sprintf("/nodes/%d", intro.ID), nil, http.StatusNotFound, "not_found")
	waitForEvent(testContext, events, "deleted", intro.ID)

	status, payload = admin.do(http.MethodPost, "/admin/schema/reload", nil)
	if status != http.StatusOK || !strings.Contains(string(payload), `"reloaded":true`) {
		testContext.Fatalf("unexpected reload response %d: %s", status, payload)
	}

	metricsResp, err := http.Get(testServer.URL + "/metrics")
	if err != nil {
		testContext.Fatalf("metrics request failed: %v", err)
	}
	defer metricsResp.Body.Close()
	metricsBody, _ := io.ReadAll(metricsResp.Body)
	if !strings.Contains(string(metricsBody), "nodestore_save_attempts_total") {
		testContext.Fatalf("expected save metrics to be exported")
	}
}

type streamEvent struct {
	Kind    string  `json:"kind"`
	NodeIDs []int64 `json:"nodeIds"`
}

func openEventStream(testContext *testing.T, baseURL, token string) <-chan streamEvent {
	testContext.Helper()
	request, err := http.NewRequest(http.MethodGet, baseURL+"/events", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to construct stream request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("failed to open stream: %v", err)
	}
	testContext.Cleanup(func() {
		_ = response.Body.Close()
	})
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected stream status: %d", response.StatusCode)
	}

	events := make(chan streamEvent, 32)
	go func() {
		defer close(events)
		streamReader := bufio.NewReader(response.Body)
		for {
			line, err := streamReader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var event streamEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil || event.Kind == "" {
				continue
			}
			select {
			case events <- event:
			default:
			}
		}
	}()
	return events
}

func waitForEvent(testContext *testing.T, events <-chan streamEvent, kind string, nodeID int64) {
	testContext.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			testContext.Fatalf("timed out waiting for %s event of node %d", kind, nodeID)
		case event, ok := <-events:
			if !ok {
				testContext.Fatalf("event stream closed")
			}
			if event.Kind != kind {
				continue
			}
			for _, id := range event.NodeIDs {
				if id == nodeID {
					return
				}
			}
		}
	}
}

func mustMintSessionToken(testContext *testing.T, signingSecret, userID string, now time.Time) string {
	testContext.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(signingSecret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

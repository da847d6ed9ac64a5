// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/absmach/courier/bus"
	"github.com/absmach/courier/bus/local"
	"github.com/absmach/courier/hub"
	"github.com/absmach/courier/store/memory"
)

// failingStore wraps a working store with a failing backend probe.
type failingStore struct {
	*memory.Store
	err error
}

func (s *failingStore) Ping(ctx context.Context) error { return s.err }

// failingBus adds a failing broker probe to a working bus.
type failingBus struct {
	bus.Bus
	err error
}

func (b *failingBus) Ping(ctx context.Context) error { return b.err }

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, "node-1", memory.New(0), local.New(), nil, slog.Default())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, "node-1", memory.New(0), local.New(), nil, slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
		expectedBody   HealthResponse
	}{
		{
			name:           "GET request returns healthy",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedBody:   HealthResponse{Status: "healthy"},
		},
		{
			name:           "POST request not allowed",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}

				if response.Status != tt.expectedBody.Status {
					t.Errorf("expected status %q, got %q", tt.expectedBody.Status, response.Status)
				}
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		server         *Server
		method         string
		expectedStatus int
		expectedReady  bool
		expectedReason string
	}{
		{
			name:           "store nil - not ready",
			server:         New(Config{}, "node-1", nil, local.New(), nil, slog.Default()),
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  false,
			expectedReason: "store not initialized",
		},
		{
			name:           "store and bus healthy - ready",
			server:         New(Config{}, "node-1", memory.New(0), local.New(), nil, slog.Default()),
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name: "store unreachable - not ready",
			server: New(Config{}, "node-1",
				&failingStore{Store: memory.New(0), err: errors.New("connection refused")},
				local.New(), nil, slog.Default()),
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  false,
			expectedReason: "store unreachable: connection refused",
		},
		{
			name: "bus unreachable - not ready",
			server: New(Config{}, "node-1", memory.New(0),
				&failingBus{Bus: local.New(), err: errors.New("broker gone")},
				nil, slog.Default()),
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReady:  false,
			expectedReason: "bus unreachable: broker gone",
		},
		{
			name:           "POST request not allowed",
			server:         New(Config{}, "node-1", memory.New(0), local.New(), nil, slog.Default()),
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			tt.server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK || tt.expectedStatus == http.StatusServiceUnavailable {
				var response ReadyResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}

				if tt.expectedReady && response.Status != "ready" {
					t.Errorf("expected ready status, got %q", response.Status)
				}

				if !tt.expectedReady && response.Status != "not_ready" {
					t.Errorf("expected not_ready status, got %q", response.Status)
				}

				if tt.expectedReason != "" && response.Details != tt.expectedReason {
					t.Errorf("expected details %q, got %q", tt.expectedReason, response.Details)
				}
			}
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	stats := hub.NewStats()
	stats.IncrementConnections()
	stats.IncrementConnections()
	stats.IncrementMessagesIn()

	server := New(Config{}, "node-7", memory.New(0), local.New(), stats, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "http://test/status", nil)
	rec := httptest.NewRecorder()

	server.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var response StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.NodeID != "node-7" {
		t.Errorf("expected node ID node-7, got %q", response.NodeID)
	}
	if response.Stats == nil {
		t.Fatal("expected stats in response")
	}
	if response.Stats.CurrentConnections != 2 {
		t.Errorf("expected 2 current connections, got %d", response.Stats.CurrentConnections)
	}
	if response.Stats.MessagesIn != 1 {
		t.Errorf("expected 1 message in, got %d", response.Stats.MessagesIn)
	}
}

func TestStatusWithoutStats(t *testing.T) {
	server := New(Config{}, "node-1", memory.New(0), local.New(), nil, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "http://test/status", nil)
	rec := httptest.NewRecorder()

	server.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var response StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Stats != nil {
		t.Errorf("expected no stats, got %+v", response.Stats)
	}
}

func TestContentTypeHeaders(t *testing.T) {
	server := New(Config{}, "node-1", memory.New(0), local.New(), hub.NewStats(), slog.Default())

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "/health", handler: server.handleHealth},
		{name: "/ready", handler: server.handleReady},
		{name: "/status", handler: server.handleStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://test"+tt.name, nil)
			rec := httptest.NewRecorder()

			tt.handler(rec, req)

			contentType := rec.Header().Get("Content-Type")
			if contentType != "application/json" {
				t.Errorf("expected Content-Type application/json, got %q", contentType)
			}

			body, err := io.ReadAll(rec.Body)
			if err != nil {
				t.Fatalf("failed to read body: %v", err)
			}

			var data map[string]interface{}
			if err := json.Unmarshal(body, &data); err != nil {
				t.Errorf("response is not valid JSON: %v", err)
			}
		})
	}
}

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/kleeedolinux/courier.go/config"
	"github.com/kleeedolinux/courier.go/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPayload(t *testing.T) {
	p, err := readPayload(` {"code":"TACO"} `)
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"TACO"}`, string(p))

	path := filepath.Join(t.TempDir(), "promo.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"title":"2x1"}`), 0o600))
	p, err = readPayload("@" + path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"2x1"}`, string(p))

	for _, bad := range []string{"", "[1,2]", "42", "{oops"} {
		_, err := readPayload(bad)
		assert.Error(t, err, bad)
	}

	_, err = readPayload("@" + filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestPublishHTTP(t *testing.T) {
	relay := socket.NewServer()
	defer relay.Shutdown(context.Background())

	hs := httptest.NewServer(relay)
	defer hs.Close()

	cfg := config.Default()
	cfg.Server.URL = hs.URL + "/socket"
	cfg.Auth.Token = "ops"

	require.NoError(t, publishHTTP(context.Background(), cfg, "promotions", socket.EventPromotion, json.RawMessage(`{"id":"p1"}`)))
	assert.Contains(t, relay.Rooms(), "promotions")
}

func TestPublishHTTP_Rejected(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer hs.Close()

	cfg := config.Default()
	cfg.Server.URL = hs.URL

	err := publishHTTP(context.Background(), cfg, "promotions", socket.EventPromotion, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestRenderState(t *testing.T) {
	assert.Contains(t, renderState(socket.StateConnected), "online")
	assert.Contains(t, renderState(socket.StateReconnecting), "reconnecting")
	assert.Contains(t, renderState(socket.StateDisconnected), "offline")
}

package healthz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wlrelay/internal/endpoint"
)

func TestRunChecks(t *testing.T) {
	h := New()
	h.Register(CheckerFunc{NameVal: "b", CheckFn: func(context.Context) error { return nil }})
	h.Register(CheckerFunc{NameVal: "a", CheckFn: func(context.Context) error { return errors.New("down") }})

	res := h.RunChecks(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	require.Len(t, res.Checks, 2)
	assert.Equal(t, "a", res.Checks[0].Name)
	assert.Equal(t, "down", res.Checks[0].Message)
	assert.Equal(t, StatusHealthy, res.Checks[1].Status)
}

func TestUpstreamAndSocket(t *testing.T) {
	dir := t.TempDir()
	ln, err := endpoint.Listen(filepath.Join(dir, "wayland-0"))
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	h := New()
	h.Register(Upstream(endpoint.UnixConnector{Path: ln.Path()}))
	h.Register(Socket(ln.Path()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, ln.Close())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, StatusUnhealthy, res.Status)
	for _, c := range res.Checks {
		assert.Equal(t, StatusUnhealthy, c.Status, c.Name)
	}
}

package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func healthy() Checker { return checkFunc(func(context.Context) error { return nil }) }

func call(t *testing.T, h *HealthHandler) (int, OverallHealth) {
	app := fiber.New()
	app.Get("/v1/health", h.HandleHealth)
	resp, err := app.Test(httptest.NewRequest("GET", "/v1/health", nil))
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	var out OverallHealth
	require.NoError(t, json.Unmarshal(raw, &out))
	return resp.StatusCode, out
}

func TestHealthStartingUntilReady(t *testing.T) {
	h := NewHealthHandler(map[string]Checker{"redis": healthy()})
	code, out := call(t, h)
	assert.Equal(t, fiber.StatusServiceUnavailable, code)
	assert.Equal(t, "starting", out.OverallStatus)

	h.SetReady()
	code, out = call(t, h)
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "ok", out.OverallStatus)
	assert.Equal(t, "ok", out.Components["redis"].Status)
}

func TestHealthReportsFailingComponent(t *testing.T) {
	h := NewHealthHandler(map[string]Checker{
		"redis":   healthy(),
		"records": checkFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	h.SetReady()
	code, out := call(t, h)
	assert.Equal(t, fiber.StatusServiceUnavailable, code)
	assert.Equal(t, "error", out.OverallStatus)
	assert.Equal(t, "connection refused", out.Components["records"].Error)
}

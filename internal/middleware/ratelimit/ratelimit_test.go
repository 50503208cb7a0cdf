package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(rl *RateLimiter) *fiber.App {
	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func get(t *testing.T, app *fiber.App, userID string) int {
	t.Helper()
	req := httptest.NewRequest("GET", "/", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestMiddleware_LimitsPerUser(t *testing.T) {
	rl := New(Config{RequestsPerMinute: 1, Burst: 2})
	defer rl.Stop()
	app := newApp(rl)

	assert.Equal(t, fiber.StatusOK, get(t, app, "alice"))
	assert.Equal(t, fiber.StatusOK, get(t, app, "alice"))
	assert.Equal(t, fiber.StatusTooManyRequests, get(t, app, "alice"))

	assert.Equal(t, fiber.StatusOK, get(t, app, "bob"))
}

func TestEvictIdle(t *testing.T) {
	rl := New(Config{})
	defer rl.Stop()

	rl.allow("alice")
	rl.evictIdle(time.Now().Add(5 * time.Minute))
	assert.Len(t, rl.visitors, 1)

	rl.evictIdle(time.Now().Add(11 * time.Minute))
	assert.Empty(t, rl.visitors)
}

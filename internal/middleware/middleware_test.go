package middleware

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protectedApp(m *AuthMiddleware) *fiber.App {
	app := fiber.New()
	app.Get("/me", m.Authenticate(), func(c *fiber.Ctx) error {
		return c.SendString(GetUserID(c) + "|" + GetUserEmail(c))
	})
	return app
}

func TestAuthenticate(t *testing.T) {
	m := NewAuthMiddleware("s3cret")
	app := protectedApp(m)

	token, err := m.GenerateToken("user-1", "a@example.com", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "user-1|a@example.com", string(body))

	for name, header := range map[string]string{
		"missing":   "",
		"malformed": "Token " + token,
		"bad token": "Bearer nope",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestAuthenticateWithoutSecret(t *testing.T) {
	app := protectedApp(NewAuthMiddleware(""))
	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer x")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = BearerToken("Bearer ")
	assert.False(t, ok)
	_, ok = BearerToken("abc")
	assert.False(t, ok)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	for name, rl := range map[string]*RateLimiter{
		"disabled": NewRateLimiter(nil, quiet),
		// nothing listens on this port, every INCR fails
		"unreachable": NewRateLimiter(redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 50 * time.Millisecond,
			MaxRetries:  -1,
		}), quiet),
	} {
		t.Run(name, func(t *testing.T) {
			app := fiber.New()
			app.Post("/v1/create-moment", rl.MomentLimit(1), func(c *fiber.Ctx) error {
				return c.SendStatus(fiber.StatusAccepted)
			})
			for i := 0; i < 3; i++ {
				resp, err := app.Test(httptest.NewRequest("POST", "/v1/create-moment", nil), 5000)
				require.NoError(t, err)
				assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
			}
		})
	}
}

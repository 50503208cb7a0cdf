package validation

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripHTML(t *testing.T) {
	tests := map[string]string{
		"  What is the dosage?  ":            "What is the dosage?",
		"<p>What is <b>drug X</b>?</p>":      "What is drug X?",
		"dose<script>alert(1)</script> of X": "dose of X",
		"Tom &amp; Jerry":                    "Tom &amp; Jerry",
		"is x<y and y>z":                     "is x<y and y>z",
		"<B>bold</B> & plain":                "bold & plain",
		"is 3 < 5?":                          "is 3 < 5?",
		"a\x00b":                             "ab",
	}
	for in, want := range tests {
		assert.Equal(t, want, StripHTML(in), in)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name    string
		req     ChatRequest
		wantMsg string
	}{
		{"valid", ChatRequest{Query: "dosage?", Filename: "leaflet.pdf"}, ""},
		{"empty query", ChatRequest{Query: "<br>", Filename: "leaflet.pdf"}, "Query is required"},
		{"too long", ChatRequest{Query: strings.Repeat("a", 11), Filename: "leaflet.pdf"}, "Query exceeds maximum length"},
		{"missing filename", ChatRequest{Query: "dosage?"}, "Filename is required"},
		{"path traversal", ChatRequest{Query: "dosage?", Filename: "../etc/passwd"}, "Invalid filename"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, msg := Sanitize(tt.req, 10)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}

func TestMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(Middleware(Config{MaxQueryLength: 100}))
	app.Post("/chat", func(c *fiber.Ctx) error {
		req := c.Locals(LocalsKey).(ChatRequest)
		return c.SendString(req.Query + "|" + req.Filename)
	})

	post := func(contentType, body string) (int, string) {
		req := httptest.NewRequest("POST", "/chat", strings.NewReader(body))
		req.Header.Set("Content-Type", contentType)
		resp, err := app.Test(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	status, body := post("application/json", `{"query":"<i>dosage</i> of X?","filename":"leaflet.pdf"}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "dosage of X?|leaflet.pdf", body)

	status, _ = post("text/plain", `hello`)
	assert.Equal(t, fiber.StatusUnsupportedMediaType, status)

	status, body = post("application/json", `{"query":"dosage?"}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, body, "Filename is required")
}

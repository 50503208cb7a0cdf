package validation

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var markupPattern = regexp.MustCompile(`(?i)<!--|<\s*/?\s*(a|abbr|b|body|br|button|code|div|em|embed|font|form|h[1-6]|head|hr|html|i|iframe|img|input|li|link|meta|object|ol|p|pre|script|span|strong|style|svg|table|td|th|tr|u|ul)\b[^>]*>`)

// LocalsKey holds the sanitized ChatRequest for downstream handlers.
const LocalsKey = "chat_request"

type ChatRequest struct {
	Query    string `json:"query"`
	UserID   string `json:"user_id"`
	Filename string `json:"filename"`
}

type Config struct {
	MaxQueryLength      int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 2000
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost {
			return c.Next()
		}

		contentType := c.Get("Content-Type")
		if contentType != "" && !allowedType(contentType, cfg.AllowedContentTypes) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		var req ChatRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		req, msg := Sanitize(req, cfg.MaxQueryLength)
		if msg != "" {
			cfg.Logger.Debug("Rejected chat request",
				zap.String("ip", c.IP()),
				zap.String("reason", msg),
			)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
		}

		c.Locals(LocalsKey, req)
		return c.Next()
	}
}

// Sanitize strips markup and validates a chat request. A non-empty message
// means the request must be rejected with that message.
func Sanitize(req ChatRequest, maxQueryLength int) (ChatRequest, string) {
	req.Query = StripHTML(req.Query)
	req.Filename = strings.TrimSpace(req.Filename)
	req.UserID = strings.TrimSpace(req.UserID)

	switch {
	case req.Query == "":
		return req, "Query is required"
	case utf8.RuneCountInString(req.Query) > maxQueryLength:
		return req, "Query exceeds maximum length"
	case req.Filename == "":
		return req, "Filename is required"
	case strings.ContainsAny(req.Filename, "/\\") || strings.Contains(req.Filename, ".."):
		return req, "Invalid filename"
	}
	return req, ""
}

// StripHTML returns the visible text of s with script and style content
// removed. Text without HTML tags is returned as typed, so comparisons and
// entity-like sequences survive.
func StripHTML(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	if !markupPattern.MatchString(s) {
		return strings.TrimSpace(s)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}

func allowedType(contentType string, allowed []string) bool {
	for _, a := range allowed {
		if strings.Contains(contentType, a) {
			return true
		}
	}
	return false
}

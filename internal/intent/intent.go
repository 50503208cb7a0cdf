package intent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Route selects which retrieval strategies run for a query.
type Route string

const (
	RouteCypher Route = "cypher"
	RouteVector Route = "vector"
	RouteHybrid Route = "hybrid"
)

const maxKeywords = 5

func ParseRoute(s string) (Route, error) {
	switch r := Route(strings.ToLower(strings.TrimSpace(s))); r {
	case RouteCypher, RouteVector, RouteHybrid:
		return r, nil
	default:
		return "", fmt.Errorf("unknown route %q", s)
	}
}

func (r Route) UsesEntities() bool {
	return r == RouteCypher || r == RouteHybrid
}

func (r Route) UsesVectors() bool {
	return r == RouteVector || r == RouteHybrid
}

type Intent struct {
	Route    Route    `json:"route"`
	Entities []string `json:"entities"`
	Keywords []string `json:"keywords"`
}

// Default is the intent used whenever classification output is unusable.
func Default() Intent {
	return Intent{Route: RouteVector, Entities: []string{}, Keywords: []string{}}
}

type rawIntent struct {
	Route    string            `json:"route"`
	Entities []json.RawMessage `json:"entities"`
	Keywords []json.RawMessage `json:"keywords"`
}

// Parse extracts an Intent from free-form model output. It returns an error
// when no usable JSON object is found or the route is not recognised.
func Parse(text string) (Intent, error) {
	candidates := extractJSONObjects(text)
	if len(candidates) == 0 {
		return Intent{}, fmt.Errorf("no JSON object in classification output")
	}

	var lastErr error
	for _, candidate := range candidates {
		var raw rawIntent
		if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
			lastErr = fmt.Errorf("failed to decode classification: %w", err)
			continue
		}

		route, err := ParseRoute(raw.Route)
		if err != nil {
			lastErr = err
			continue
		}

		keywords := cleanTerms(flattenTerms(raw.Keywords), true)
		if len(keywords) > maxKeywords {
			keywords = keywords[:maxKeywords]
		}

		return Intent{
			Route:    route,
			Entities: cleanTerms(flattenTerms(raw.Entities), false),
			Keywords: keywords,
		}, nil
	}

	return Intent{}, lastErr
}

// flattenTerms accepts plain strings and {"value": "..."} objects.
func flattenTerms(items []json.RawMessage) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			Value string `json:"value"`
			Name  string `json:"name"`
		}
		if err := json.Unmarshal(item, &obj); err == nil {
			if obj.Value != "" {
				out = append(out, obj.Value)
			} else {
				out = append(out, obj.Name)
			}
		}
	}
	return out
}

func cleanTerms(terms []string, lower bool) []string {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.Join(strings.Fields(t), " ")
		if t == "" {
			continue
		}
		if lower {
			t = strings.ToLower(t)
		}
		key := strings.ToLower(t)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

// extractJSONObjects returns balanced top-level {...} spans in order of
// appearance, followed by the greedy first-'{' to last-'}' span.
func extractJSONObjects(text string) []string {
	var out []string

	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, text[start:i+1])
				start = -1
			}
		}
	}

	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first >= 0 && last > first {
		greedy := text[first : last+1]
		if len(out) == 0 || out[0] != greedy {
			out = append(out, greedy)
		}
	}

	return out
}

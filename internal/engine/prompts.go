// ABOUTME: Fixed system and title prompts plus request geolocation hints
// ABOUTME: The tools section of the system prompt is left out in reasoning mode

package engine

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const regularPrompt = `You are a friendly assistant! Keep your responses concise and helpful.

When asked to write, create, or help with something, just do it directly. Don't ask clarifying questions unless absolutely necessary - make reasonable assumptions and proceed with the task.`

const toolsPrompt = `## Tools

**Weather:** use ` + "`getWeather`" + ` with a latitude and longitude when the user asks about the weather. Use the request origin below when they don't name a place.

**Knowledge spaces:** ` + "`getSpace`, `updateSpace`, `deleteSpace`" + `
- Use ` + "`getSpace`" + ` to verify a space before updating or deleting it.
- Only update or delete a space when the user explicitly asks for it.
- ` + "`deleteSpace`" + ` is destructive and waits for the user's approval before it runs. Tell the user what will be deleted.
- When a tool returns an "error" field, explain the failure instead of retrying blindly.`

// TitlePrompt instructs the title model.
const TitlePrompt = `Generate a very short chat title (2-5 words max) based on the user's message.
Rules:
- Maximum 30 characters
- No quotes, colons, hashtags, or markdown
- Just the topic/intent, not a full sentence
- If the message is a greeting like "hi" or "hello", respond with just "New conversation"
- Be concise: "Weather in NYC" not "User asking about the weather in New York City"`

// RequestHints describe where a request came from.
type RequestHints struct {
	Latitude  string
	Longitude string
	City      string
	Country   string
}

// hintHeaders lists header names per hint, most specific first.
var hintHeaders = struct {
	lat, lon, city, country []string
}{
	lat:     []string{"X-Vercel-IP-Latitude", "X-Geo-Latitude"},
	lon:     []string{"X-Vercel-IP-Longitude", "X-Geo-Longitude"},
	city:    []string{"X-Vercel-IP-City", "X-Geo-City"},
	country: []string{"X-Vercel-IP-Country", "X-Geo-Country"},
}

// HintsFromRequest reads geolocation headers set by the edge proxy.
func HintsFromRequest(r *http.Request) RequestHints {
	first := func(names []string) string {
		for _, n := range names {
			if v := strings.TrimSpace(r.Header.Get(n)); v != "" {
				if unescaped, err := url.QueryUnescape(v); err == nil {
					return unescaped
				}
				return v
			}
		}
		return ""
	}
	return RequestHints{
		Latitude:  first(hintHeaders.lat),
		Longitude: first(hintHeaders.lon),
		City:      first(hintHeaders.city),
		Country:   first(hintHeaders.country),
	}
}

func (h RequestHints) prompt() string {
	value := func(s string) string {
		if s == "" {
			return "unknown"
		}
		return s
	}
	return fmt.Sprintf("About the origin of user's request:\n- lat: %s\n- lon: %s\n- city: %s\n- country: %s\n",
		value(h.Latitude), value(h.Longitude), value(h.City), value(h.Country))
}

// SystemPrompt assembles the system prompt for a turn.
func SystemPrompt(mode Mode, hints RequestHints) string {
	if mode == ModeReasoning {
		return regularPrompt + "\n\n" + hints.prompt()
	}
	return regularPrompt + "\n\n" + hints.prompt() + "\n\n" + toolsPrompt
}

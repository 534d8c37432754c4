// ABOUTME: Builtin getWeather tool backed by an Open-Meteo compatible forecast API
// ABOUTME: Returns current temperature plus hourly and daily sunrise/sunset data

package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultWeatherURL is the public Open-Meteo endpoint.
const DefaultWeatherURL = "https://api.open-meteo.com"

var weatherSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "latitude": {"type": "number", "description": "Latitude in decimal degrees"},
    "longitude": {"type": "number", "description": "Longitude in decimal degrees"}
  },
  "required": ["latitude", "longitude"],
  "additionalProperties": false
}`)

type weatherInput struct {
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
}

// WeatherEntry returns the getWeather tool.
func WeatherEntry(baseURL string, timeout time.Duration) Entry {
	if baseURL == "" {
		baseURL = DefaultWeatherURL
	}
	client := newAPIClient(baseURL, "", timeout, 0)

	return Entry{
		Name:        "getWeather",
		Description: "Get the current weather at a location",
		Schema:      weatherSchema,
		Source:      Builtin("weather"),
		Handler: func(ctx context.Context, input json.RawMessage) (any, error) {
			var in weatherInput
			if err := decodeInput(input, &in); err != nil {
				return nil, err
			}

			q := url.Values{}
			q.Set("latitude", strconv.FormatFloat(*in.Latitude, 'f', -1, 64))
			q.Set("longitude", strconv.FormatFloat(*in.Longitude, 'f', -1, 64))
			q.Set("current", "temperature_2m")
			q.Set("hourly", "temperature_2m")
			q.Set("daily", "sunrise,sunset")
			q.Set("timezone", "auto")

			var forecast json.RawMessage
			if err := client.do(ctx, http.MethodGet, "/v1/forecast", q, nil, &forecast); err != nil {
				return nil, err
			}
			return forecast, nil
		},
	}
}

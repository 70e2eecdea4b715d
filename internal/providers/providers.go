// Package providers registers the built-in tools on a catalog. Each
// provider is a thin wrapper around its business logic; everything
// protocol-shaped (schemas, validation, error mapping) lives in the
// catalog and server layers.
package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mwynn/toolbridge/internal/catalog"
)

// RegisterBuiltins adds the stock tools to the catalog.
func RegisterBuiltins(cat *catalog.Catalog) error {
	builtins := []*catalog.Tool{
		weatherTool(),
		timeTool(),
		echoTool(),
	}
	for _, t := range builtins {
		if err := cat.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// conditions is a fixed city-to-weather table. Cities not listed get
// a stable condition derived from the name, so repeated calls agree.
var conditions = map[string]string{
	"boston":        "rainy",
	"san francisco": "foggy",
	"austin":        "sunny",
	"seattle":       "drizzly",
	"phoenix":       "sunny",
}

func weatherTool() *catalog.Tool {
	return &catalog.Tool{
		Name:        "get_weather",
		Description: "Get the current weather conditions for a city.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{
					"type":        "string",
					"description": "City name (e.g., Boston, San Francisco)",
				},
			},
			"required": []string{"city"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			city, _ := args["city"].(string)
			if strings.TrimSpace(city) == "" {
				return nil, fmt.Errorf("city is empty")
			}

			condition, ok := conditions[strings.ToLower(strings.TrimSpace(city))]
			if !ok {
				fallbacks := []string{"clear", "cloudy", "windy"}
				condition = fallbacks[len(city)%len(fallbacks)]
			}
			return map[string]any{
				"city":      city,
				"condition": condition,
			}, nil
		},
	}
}

func timeTool() *catalog.Tool {
	return &catalog.Tool{
		Name:        "get_time",
		Description: "Get the current time, optionally in a specific IANA timezone.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name (e.g., America/New_York). Defaults to UTC.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			loc := time.UTC
			if tz, _ := args["timezone"].(string); tz != "" {
				var err error
				loc, err = time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
			}

			now := time.Now().In(loc)
			return map[string]any{
				"time":     now.Format(time.RFC3339),
				"timezone": loc.String(),
			}, nil
		},
	}
}

func echoTool() *catalog.Tool {
	return &catalog.Tool{
		Name:        "echo",
		Description: "Echo a message back. Useful for connectivity checks.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "The message to echo",
				},
			},
			"required": []string{"message"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"message": args["message"]}, nil
		},
	}
}

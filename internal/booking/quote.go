package booking

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Quote is one rate offered by the carrier for the requested route.
type Quote struct {
	Carrier         string  `json:"carrier"`
	Service         string  `json:"service"`
	Origin          string  `json:"origin"`
	Destination     string  `json:"destination"`
	ContainerType   string  `json:"container_type"`
	Price           float64 `json:"price"`
	Currency        string  `json:"currency"`
	TransitTimeDays int     `json:"transit_time_days"`
	Departure       string  `json:"departure,omitempty"`
	ValidUntil      string  `json:"valid_until,omitempty"`
}

// QuoteSet is the extraction target for the price overview page.
type QuoteSet struct {
	Quotes []Quote `json:"quotes"`
}

// QuoteSetSchema is the JSON Schema the agent's extraction reply must follow.
func QuoteSetSchema() map[string]any {
	str := map[string]any{"type": "string"}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"quotes": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"carrier":           str,
						"service":           map[string]any{"type": "string", "description": "Product or service name, e.g. Maersk Spot"},
						"origin":            str,
						"destination":       str,
						"container_type":    map[string]any{"type": "string", "description": "Size and type, e.g. 40 Dry Standard"},
						"price":             map[string]any{"type": "number", "description": "Total all-in price"},
						"currency":          map[string]any{"type": "string", "description": "ISO 4217 code"},
						"transit_time_days": map[string]any{"type": "integer"},
						"departure":         map[string]any{"type": "string", "description": "Departure date as YYYY-MM-DD"},
						"valid_until":       map[string]any{"type": "string", "description": "Offer expiry as YYYY-MM-DD"},
					},
					"required": []any{"service", "price", "currency"},
				},
			},
		},
		"required": []any{"quotes"},
	}
}

// DecodeQuoteSet accepts a decoded value (map, QuoteSet, raw JSON) and
// normalises it to a QuoteSet, filling route fields the page left implicit.
func DecodeQuoteSet(v any, carrier string, d Details) (QuoteSet, error) {
	var set QuoteSet
	switch x := v.(type) {
	case QuoteSet:
		set = x
	case *QuoteSet:
		if x != nil {
			set = *x
		}
	case string:
		if err := jsoniter.UnmarshalFromString(x, &set); err != nil {
			return QuoteSet{}, fmt.Errorf("decode quotes: %w", err)
		}
	case []byte:
		if err := jsoniter.Unmarshal(x, &set); err != nil {
			return QuoteSet{}, fmt.Errorf("decode quotes: %w", err)
		}
	default:
		raw, err := jsoniter.Marshal(x)
		if err != nil {
			return QuoteSet{}, fmt.Errorf("encode quotes: %w", err)
		}
		if err := jsoniter.Unmarshal(raw, &set); err != nil {
			return QuoteSet{}, fmt.Errorf("decode quotes: %w", err)
		}
	}

	for i := range set.Quotes {
		q := &set.Quotes[i]
		if q.Carrier == "" {
			q.Carrier = carrier
		}
		if q.Origin == "" {
			q.Origin = d.Origin.String()
		}
		if q.Destination == "" {
			q.Destination = d.Destination.String()
		}
	}
	return set, nil
}

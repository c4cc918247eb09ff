// Package booking models a freight booking request and the quotes scraped for it.
package booking

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// Inland transport modes.
const (
	// TransportCY is Customer Yard: the shipper delivers to or collects from the terminal.
	TransportCY = "CY"
	// TransportSD is Store Door: the carrier trucks to or from the shipper's address.
	TransportSD = "SD"
)

type Location struct {
	City    string `json:"city" yaml:"city"`
	Country string `json:"country" yaml:"country"`
	IsPort  bool   `json:"is_port" yaml:"is_port"`
}

// String renders the location the way portal autocompletes expect it.
func (l Location) String() string {
	if l.Country == "" {
		return l.City
	}
	return l.City + ", " + l.Country
}

type InlandTransport struct {
	Type     string `json:"type" yaml:"type"`
	IsPickup bool   `json:"is_pickup" yaml:"is_pickup"`
}

type Container struct {
	Type     string  `json:"type" yaml:"type"`
	Size     string  `json:"size" yaml:"size"`
	Quantity int     `json:"quantity" yaml:"quantity"`
	WeightKg float64 `json:"weight_kg" yaml:"weight_kg"`
}

// Details is everything the booking form asks for.
type Details struct {
	Origin                     Location        `json:"origin" yaml:"origin"`
	Destination                Location        `json:"destination" yaml:"destination"`
	OriginTransport            InlandTransport `json:"origin_transport" yaml:"origin_transport"`
	DestinationTransport       InlandTransport `json:"destination_transport" yaml:"destination_transport"`
	Commodity                  string          `json:"commodity" yaml:"commodity"`
	RequiresTemperatureControl bool            `json:"requires_temperature_control" yaml:"requires_temperature_control"`
	IsDangerousCargo           bool            `json:"is_dangerous_cargo" yaml:"is_dangerous_cargo"`
	Containers                 []Container     `json:"containers" yaml:"containers"`
	ReadyDate                  time.Time       `json:"ready_date" yaml:"ready_date"`
	IsPriceOwner               bool            `json:"is_price_owner" yaml:"is_price_owner"`
}

// readyDateLayout is the date-only form accepted for ready_date.
const readyDateLayout = "2006-01-02"

// UnmarshalJSON accepts ready_date as a plain date (2006-01-02, read as UTC
// midnight) as well as RFC 3339, matching what YAML booking files allow.
func (d *Details) UnmarshalJSON(data []byte) error {
	type plain Details
	aux := struct {
		*plain
		ReadyDate string `json:"ready_date"`
	}{plain: (*plain)(d)}
	if err := jsoniter.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.ReadyDate == "" {
		return nil
	}
	t, err := parseReadyDate(aux.ReadyDate)
	if err != nil {
		return err
	}
	d.ReadyDate = t
	return nil
}

func parseReadyDate(v string) (time.Time, error) {
	if t, err := time.Parse(readyDateLayout, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("ready_date %q is neither YYYY-MM-DD nor RFC 3339", v)
	}
	return t, nil
}

// Default returns the sample Mumbai to Rotterdam request, ready on readyDate.
func Default(readyDate time.Time) Details {
	return Details{
		Origin:               Location{City: "Mumbai", Country: "India", IsPort: true},
		Destination:          Location{City: "Rotterdam", Country: "Netherlands", IsPort: true},
		OriginTransport:      InlandTransport{Type: TransportCY},
		DestinationTransport: InlandTransport{Type: TransportCY},
		Commodity:            "Electronics",
		Containers:           []Container{{Type: "Standard", Size: "40", Quantity: 1, WeightKg: 1000}},
		ReadyDate:            readyDate,
		IsPriceOwner:         true,
	}
}

// Validate reports every problem with the request at once.
func (d Details) Validate() error {
	var errs []error
	if strings.TrimSpace(d.Origin.City) == "" {
		errs = append(errs, errors.New("origin.city is required"))
	}
	if strings.TrimSpace(d.Destination.City) == "" {
		errs = append(errs, errors.New("destination.city is required"))
	}
	errs = append(errs, validTransport("origin_transport", d.OriginTransport), validTransport("destination_transport", d.DestinationTransport))
	if strings.TrimSpace(d.Commodity) == "" {
		errs = append(errs, errors.New("commodity is required"))
	}
	if len(d.Containers) == 0 {
		errs = append(errs, errors.New("at least one container is required"))
	}
	for i, c := range d.Containers {
		if c.Quantity < 1 {
			errs = append(errs, fmt.Errorf("containers[%d].quantity must be at least 1", i))
		}
		if c.WeightKg <= 0 {
			errs = append(errs, fmt.Errorf("containers[%d].weight_kg must be positive", i))
		}
		if c.Size == "" {
			errs = append(errs, fmt.Errorf("containers[%d].size is required", i))
		}
	}
	if d.ReadyDate.IsZero() {
		errs = append(errs, errors.New("ready_date is required"))
	}
	return errors.Join(errs...)
}

func validTransport(field string, t InlandTransport) error {
	if t.Type == TransportCY || t.Type == TransportSD {
		return nil
	}
	return fmt.Errorf("%s.type must be %s or %s, got %q", field, TransportCY, TransportSD, t.Type)
}

// LoadFile reads a booking request from YAML (.yaml, .yml) or JSON and validates it.
func LoadFile(path string) (Details, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Details{}, fmt.Errorf("read booking file: %w", err)
	}

	var d Details
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &d)
	case ".json":
		err = jsoniter.Unmarshal(raw, &d)
	default:
		return Details{}, fmt.Errorf("unsupported booking file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return Details{}, fmt.Errorf("parse booking file %s: %w", path, err)
	}

	if err := d.Validate(); err != nil {
		return Details{}, fmt.Errorf("invalid booking in %s: %w", path, err)
	}
	return d, nil
}

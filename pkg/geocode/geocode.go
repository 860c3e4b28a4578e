package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultURL is the world geocoding service endpoint
const DefaultURL = "https://geocode.arcgis.com/arcgis/rest/services/World/GeocodeServer/findAddressCandidates"

// defaultPoint is Møllergata, Oslo. Used when the geocoder cannot be
// reached or returns nothing useful.
var defaultPoint = []interface{}{10.749232432252462, 59.91643658534826}

// Result is one geocoding outcome. Geometry is GeoJSON shaped and
// stored verbatim on the entity.
type Result struct {
	Geometry   map[string]interface{}
	Score      float64
	Quality    string
	Confidence int
}

func fallback() Result {
	return Result{
		Geometry: map[string]interface{}{
			"type":        "Point",
			"coordinates": defaultPoint,
		},
		Quality: "PointAddress",
	}
}

// Client resolves street addresses to coordinates. Lookups never
// fail; unresolvable addresses yield the fallback point with a zero
// score which callers skip.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// New creates a geocoding client. An empty baseURL selects the world
// geocoding service.
func New(baseURL string, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     logger,
	}
}

// NewWithHTTPClient creates a geocoding client with a caller supplied
// http.Client, used in tests
func NewWithHTTPClient(baseURL string, logger zerolog.Logger, hc *http.Client) *Client {
	c := New(baseURL, logger)
	c.http = hc
	return c
}

type candidateResponse struct {
	Candidates []struct {
		Score    float64 `json:"score"`
		Location struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		} `json:"location"`
		Attributes struct {
			AddrType string `json:"Addr_Type"`
		} `json:"attributes"`
	} `json:"candidates"`
}

// Lookup geocodes a single address. Country is pinned to Norway, the
// federation's member base.
func (c *Client) Lookup(ctx context.Context, street, zipCode, city string) Result {
	line := strings.TrimSpace(fmt.Sprintf("%s %s %s, Norway", street, zipCode, city))

	v := url.Values{}
	v.Set("f", "json")
	v.Set("singleLine", line)
	v.Set("maxLocations", "1")
	v.Set("outFields", "Addr_Type")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+v.Encode(), nil)
	if err != nil {
		return fallback()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("address", line).Msg("geocoder unreachable")
		return fallback()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Debug().Int("status", resp.StatusCode).Msg("geocoder error response")
		return fallback()
	}

	var parsed candidateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fallback()
	}
	if len(parsed.Candidates) == 0 {
		return fallback()
	}

	best := parsed.Candidates[0]
	return Result{
		Geometry: map[string]interface{}{
			"type":        "Point",
			"coordinates": []interface{}{best.Location.X, best.Location.Y},
		},
		Score:      best.Score,
		Quality:    best.Attributes.AddrType,
		Confidence: int(best.Score / 10),
	}
}

// AddPersonLocation fills address.location on a person entity when the
// address geocodes with a positive score. Merged persons and the 9999
// placeholder zip are left untouched.
func (c *Client) AddPersonLocation(ctx context.Context, person map[string]interface{}) map[string]interface{} {
	if _, merged := person["_merged_to"]; merged {
		return person
	}
	address, ok := person["address"].(map[string]interface{})
	if !ok {
		return person
	}
	c.fillLocation(ctx, address, stringField(address, "street_address"))
	return person
}

// AddOrganizationLocation fills contact.location on an organization
// entity under the same rules as persons
func (c *Client) AddOrganizationLocation(ctx context.Context, org map[string]interface{}) map[string]interface{} {
	if _, merged := org["_merged_to"]; merged {
		return org
	}
	contact, ok := org["contact"].(map[string]interface{})
	if !ok {
		return org
	}
	street := strings.TrimSpace(stringField(contact, "street_address") + " " + stringField(contact, "street_address2"))
	c.fillLocation(ctx, contact, street)
	return org
}

func (c *Client) fillLocation(ctx context.Context, address map[string]interface{}, street string) {
	if _, present := address["location"]; present {
		return
	}
	zip := stringField(address, "zip_code")
	if zip == "" || zip == "9999" {
		return
	}

	result := c.Lookup(ctx, street, zip, stringField(address, "city"))
	if result.Score <= 0 {
		return
	}

	address["location"] = map[string]interface{}{
		"geo":        result.Geometry,
		"score":      result.Score,
		"quality":    result.Quality,
		"confidence": result.Confidence,
	}
}

func stringField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case int:
		return fmt.Sprintf("%d", v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

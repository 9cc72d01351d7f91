package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"studentpunch/internal/checkin"
)

const userAgent = "studentpunch/1.0"

// Nominatim resolves coordinates to a short "street city region" label. When
// the provider cannot answer the label is the coordinates themselves.
type Nominatim struct {
	baseURL string
	client  *http.Client
}

func NewNominatim(baseURL string, client *http.Client) *Nominatim {
	if client == nil {
		client = http.DefaultClient
	}
	return &Nominatim{baseURL: baseURL, client: client}
}

type reverseResponse struct {
	Address struct {
		Road    string `json:"road"`
		City    string `json:"city"`
		Town    string `json:"town"`
		Village string `json:"village"`
		State   string `json:"state"`
	} `json:"address"`
	Error string `json:"error"`
}

func (n *Nominatim) ReverseGeocode(ctx context.Context, coords checkin.Coordinates) (string, error) {
	endpoint, err := url.Parse(n.baseURL)
	if err != nil {
		return "", err
	}
	query := endpoint.Query()
	query.Set("format", "jsonv2")
	query.Set("lat", strconv.FormatFloat(coords.Latitude, 'f', -1, 64))
	query.Set("lon", strconv.FormatFloat(coords.Longitude, 'f', -1, 64))
	query.Set("addressdetails", "1")
	endpoint.RawQuery = query.Encode()

	payload, err := n.lookup(ctx, endpoint.String())
	if err != nil {
		log.Printf("reverse geocode fallback: lat=%v lon=%v err=%v", coords.Latitude, coords.Longitude, err)
		return FormatCoordinates(coords), nil
	}

	city := firstNonEmpty(payload.Address.City, payload.Address.Town, payload.Address.Village)
	label := strings.Join(strings.Fields(strings.Join([]string{payload.Address.Road, city, payload.Address.State}, " ")), " ")
	if label == "" {
		return FormatCoordinates(coords), nil
	}
	return label, nil
}

func (n *Nominatim) lookup(ctx context.Context, endpoint string) (reverseResponse, error) {
	var payload reverseResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return payload, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return payload, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return payload, fmt.Errorf("reverse geocode status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return payload, err
	}
	if payload.Error != "" {
		return payload, fmt.Errorf("reverse geocode: %s", payload.Error)
	}
	return payload, nil
}

// FormatCoordinates renders coordinates with six decimals.
func FormatCoordinates(coords checkin.Coordinates) string {
	return fmt.Sprintf("%.6f, %.6f", coords.Latitude, coords.Longitude)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

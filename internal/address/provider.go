package address

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"googlemaps.github.io/maps"
)

// ErrNotFound провайдер не знает такого адреса
var ErrNotFound = errors.New("address not found")

// Suggestion подсказка автодополнения
type Suggestion struct {
	PlaceID       string
	Description   string
	MainText      string
	SecondaryText string
}

// Place нормализованный адрес
type Place struct {
	PlaceID          string
	FormattedAddress string
	Lat, Lng         float64
	PartialMatch     bool
	// Components: тип компонента -> короткое имя (street_number, route, locality, ...)
	Components map[string]string
}

// Provider источник подсказок и геокодинга
type Provider interface {
	Suggest(ctx context.Context, input string) ([]Suggestion, error)
	Geocode(ctx context.Context, address string) (*Place, error)
	PlaceDetails(ctx context.Context, placeID string) (*Place, error)
}

// GoogleProvider ходит в Places Autocomplete и Geocoding API
type GoogleProvider struct {
	client  *maps.Client
	country string
}

// NewGoogleProvider baseURL нужен для тестов, пустой - боевой адрес
func NewGoogleProvider(apiKey, country, baseURL string) (*GoogleProvider, error) {
	if apiKey == "" {
		return nil, errors.New("GOOGLE_MAPS_API_KEY is not set")
	}
	opts := []maps.ClientOption{maps.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, maps.WithBaseURL(baseURL))
	}
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create maps client: %w", err)
	}
	return &GoogleProvider{client: client, country: country}, nil
}

func (g *GoogleProvider) Suggest(ctx context.Context, input string) ([]Suggestion, error) {
	req := &maps.PlaceAutocompleteRequest{
		Input: input,
		Types: maps.AutocompletePlaceTypeAddress,
	}
	if g.country != "" {
		req.Components = map[maps.Component][]string{maps.ComponentCountry: {g.country}}
	}

	resp, err := g.client.PlaceAutocomplete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("place autocomplete: %w", err)
	}

	out := make([]Suggestion, 0, len(resp.Predictions))
	for _, p := range resp.Predictions {
		out = append(out, Suggestion{
			PlaceID:       p.PlaceID,
			Description:   p.Description,
			MainText:      p.StructuredFormatting.MainText,
			SecondaryText: p.StructuredFormatting.SecondaryText,
		})
	}
	return out, nil
}

func (g *GoogleProvider) Geocode(ctx context.Context, address string) (*Place, error) {
	return g.geocode(ctx, &maps.GeocodingRequest{Address: address})
}

func (g *GoogleProvider) PlaceDetails(ctx context.Context, placeID string) (*Place, error) {
	return g.geocode(ctx, &maps.GeocodingRequest{PlaceID: placeID})
}

func (g *GoogleProvider) geocode(ctx context.Context, req *maps.GeocodingRequest) (*Place, error) {
	if g.country != "" && req.PlaceID == "" {
		req.Components = map[maps.Component]string{maps.ComponentCountry: g.country}
	}
	results, err := g.client.Geocode(ctx, req)
	if err != nil {
		if strings.Contains(err.Error(), "ZERO_RESULTS") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("geocode: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}

	r := results[0]
	place := &Place{
		PlaceID:          r.PlaceID,
		FormattedAddress: r.FormattedAddress,
		Lat:              r.Geometry.Location.Lat,
		Lng:              r.Geometry.Location.Lng,
		PartialMatch:     r.PartialMatch,
		Components:       make(map[string]string, len(r.AddressComponents)),
	}
	for _, c := range r.AddressComponents {
		for _, t := range c.Types {
			place.Components[t] = c.ShortName
		}
	}
	return place, nil
}

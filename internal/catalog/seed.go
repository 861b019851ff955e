package catalog

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Listings []seedListing `yaml:"listings"`
}

type seedListing struct {
	ProviderID   string   `yaml:"provider_id"`
	APIID        string   `yaml:"api_id"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Category     string   `yaml:"category"`
	Endpoint     string   `yaml:"endpoint"`
	EndpointType string   `yaml:"endpoint_type"`
	PayTo        string   `yaml:"pay_to"`
	Price        string   `yaml:"price"`
	Reputation   *float64 `yaml:"reputation"`
	Active       *bool    `yaml:"active"`
}

// DefaultReputation is assigned to providers that declare none.
const DefaultReputation = 50.0

// LoadSeed reads listings from a YAML file. Prices are decimal strings in
// token base units so they survive arbitrary precision.
func LoadSeed(path string) ([]Listing, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog seed: %w", err)
	}
	return ParseSeed(content)
}

// ParseSeed decodes seed YAML.
func ParseSeed(content []byte) ([]Listing, error) {
	var file seedFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse catalog seed: %w", err)
	}
	out := make([]Listing, 0, len(file.Listings))
	for i, s := range file.Listings {
		price, ok := new(big.Int).SetString(strings.TrimSpace(s.Price), 10)
		if !ok {
			return nil, fmt.Errorf("listing %d (%s/%s): invalid price %q", i, s.ProviderID, s.APIID, s.Price)
		}
		l := Listing{
			ProviderID:   s.ProviderID,
			APIID:        s.APIID,
			Name:         s.Name,
			Description:  s.Description,
			Category:     s.Category,
			Endpoint:     s.Endpoint,
			EndpointType: EndpointType(s.EndpointType),
			PayTo:        s.PayTo,
			Price:        price,
			Reputation:   DefaultReputation,
			Active:       true,
		}
		if l.EndpointType == "" {
			l.EndpointType = EndpointREST
		}
		if s.Reputation != nil {
			l.Reputation = *s.Reputation
		}
		if s.Active != nil {
			l.Active = *s.Active
		}
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("listing %d: %w", i, err)
		}
		out = append(out, l)
	}
	return out, nil
}

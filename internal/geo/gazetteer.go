// Package geo resolves location strings to coordinates and evaluates the
// per-user home-distance rules that force-block impossible travel.
package geo

import (
	"math"
	"sort"
	"strings"
)

const earthRadiusKm = 6371.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `yaml:"lat" json:"lat"`
	Lon float64 `yaml:"lon" json:"lng"`
}

// IsZero reports whether p is the (0, 0) sentinel used for "no coordinates".
func (p Point) IsZero() bool {
	return p.Lat == 0 && p.Lon == 0
}

// DistanceKm returns the great-circle distance between a and b.
func DistanceKm(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Gazetteer maps place names to coordinates. Lookups are case-insensitive and
// match on the full string, then the part before the first comma, then any
// known city contained in the string ("London, UK" and "Central London" both
// resolve to London).
type Gazetteer struct {
	places map[string]Point
	names  []string // longest first, for containment matching
}

// NewGazetteer builds a gazetteer from the given entries.
func NewGazetteer(places map[string]Point) *Gazetteer {
	g := &Gazetteer{places: make(map[string]Point, len(places))}
	for name, p := range places {
		g.places[normalize(name)] = p
	}
	g.reindex()
	return g
}

// DefaultGazetteer returns the built-in city table.
func DefaultGazetteer() *Gazetteer {
	return NewGazetteer(defaultPlaces)
}

// Merge adds or overrides entries.
func (g *Gazetteer) Merge(places map[string]Point) {
	for name, p := range places {
		g.places[normalize(name)] = p
	}
	g.reindex()
}

// Lookup resolves a location string.
func (g *Gazetteer) Lookup(location string) (Point, bool) {
	key := normalize(location)
	if key == "" {
		return Point{}, false
	}
	if p, ok := g.places[key]; ok {
		return p, true
	}
	if i := strings.IndexByte(key, ','); i > 0 {
		if p, ok := g.places[strings.TrimSpace(key[:i])]; ok {
			return p, true
		}
	}
	for _, name := range g.names {
		if strings.Contains(key, name) {
			return g.places[name], true
		}
	}
	return Point{}, false
}

// Len returns the number of known places.
func (g *Gazetteer) Len() int {
	return len(g.places)
}

func (g *Gazetteer) reindex() {
	g.names = g.names[:0]
	for name := range g.places {
		g.names = append(g.names, name)
	}
	sort.Slice(g.names, func(i, j int) bool {
		if len(g.names[i]) != len(g.names[j]) {
			return len(g.names[i]) > len(g.names[j])
		}
		return g.names[i] < g.names[j]
	})
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

var defaultPlaces = map[string]Point{
	"Mumbai":            {19.0760, 72.8777},
	"Delhi":             {28.7041, 77.1025},
	"Delhi NCR":         {28.6139, 77.2090},
	"Bangalore":         {12.9716, 77.5946},
	"Hyderabad":         {17.3850, 78.4867},
	"Chennai":           {13.0827, 80.2707},
	"Kolkata":           {22.5726, 88.3639},
	"Pune":              {18.5204, 73.8567},
	"Ahmedabad":         {23.0225, 72.5714},
	"Surat":             {21.1702, 72.8311},
	"Jaipur":            {26.9124, 75.7873},
	"Lucknow":           {26.8467, 80.9462},
	"Kanpur":            {26.4499, 80.3319},
	"Nagpur":            {21.1458, 79.0882},
	"Thane":             {19.2183, 72.9781},
	"Bhopal":            {23.2599, 77.4126},
	"Visakhapatnam":     {17.6868, 83.2185},
	"Pimpri-Chinchwad":  {18.6298, 73.7997},
	"Patna":             {25.5941, 85.1376},
	"Vadodara":          {22.3072, 73.1812},
	"London":            {51.5074, -0.1278},
	"New York":          {40.7128, -74.0060},
	"Dubai":             {25.2048, 55.2708},
	"Singapore":         {1.3521, 103.8198},
}

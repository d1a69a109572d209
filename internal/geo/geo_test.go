package geo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceKm_MumbaiLondon(t *testing.T) {
	d := DistanceKm(defaultPlaces["Mumbai"], defaultPlaces["London"])
	assert.InDelta(t, 7190, d, 30)
	assert.Zero(t, DistanceKm(defaultPlaces["Delhi"], defaultPlaces["Delhi"]))
}

func TestGazetteer_Lookup(t *testing.T) {
	g := DefaultGazetteer()

	tests := []struct {
		in   string
		want string
	}{
		{"Mumbai", "Mumbai"},
		{"mumbai, MH", "Mumbai"},
		{"London, UK", "London"},
		{"Central London", "London"},
		{"Delhi NCR", "Delhi NCR"},
		{"  Pune, Maharashtra ", "Pune"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, ok := g.Lookup(tt.in)
			require.True(t, ok)
			assert.Equal(t, defaultPlaces[tt.want], p)
		})
	}

	_, ok := g.Lookup("Atlantis")
	assert.False(t, ok)
	_, ok = g.Lookup("")
	assert.False(t, ok)
}

func TestRules_DefaultRuleBlocksLondon(t *testing.T) {
	r, err := LoadRules("")
	require.NoError(t, err)

	m := r.Evaluate("ACC_1001", "London, UK", 0, 0)
	require.NotNil(t, m)
	assert.Equal(t, "geo-acc1001-home", m.RuleID)
	assert.Greater(t, m.DistanceKm, 7000.0)
	assert.Contains(t, m.Reasoning(), "CRITICAL GEO-ANOMALY")
	assert.Contains(t, m.Reasoning(), "ACC_1001")
	assert.Contains(t, m.Reasoning(), "London, UK")
}

func TestRules_NoMatch(t *testing.T) {
	r, err := LoadRules("")
	require.NoError(t, err)

	assert.Nil(t, r.Evaluate("ACC_1001", "Delhi", 0, 0), "domestic travel is fine")
	assert.Nil(t, r.Evaluate("ACC_2002", "London", 0, 0), "no rule for user")
	assert.Nil(t, r.Evaluate("ACC_1001", "Atlantis", 0, 0), "unresolvable location")
}

func TestRules_FallsBackToCoordinates(t *testing.T) {
	r, err := LoadRules("")
	require.NoError(t, err)

	ny := defaultPlaces["New York"]
	m := r.Evaluate("ACC_1001", "somewhere", ny.Lat, ny.Lon)
	require.NotNil(t, m)
	assert.Greater(t, m.DistanceKm, 12000.0)
}

func TestRules_ThresholdIsPerRule(t *testing.T) {
	r, err := NewRules(nil, []Rule{{
		ID: "tight", UserID: "u1", HomeLabel: "Mumbai", Home: defaultPlaces["Mumbai"], MaxDistanceKm: 500,
	}})
	require.NoError(t, err)

	assert.Nil(t, r.Evaluate("u1", "Pune", 0, 0))
	assert.NotNil(t, r.Evaluate("u1", "Delhi", 0, 0))
}

func TestRules_ReplaceValidates(t *testing.T) {
	r, err := NewRules(nil, nil)
	require.NoError(t, err)
	assert.Zero(t, r.Len())

	assert.Error(t, r.Replace([]Rule{{ID: "", UserID: "u"}}))
	assert.Error(t, r.Replace([]Rule{{ID: "a", UserID: "u"}}), "missing home")
	assert.Error(t, r.Replace([]Rule{
		{ID: "a", UserID: "u", Home: Point{1, 1}},
		{ID: "a", UserID: "v", Home: Point{1, 1}},
	}))
}

func TestLoadRules_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
places:
  Gotham:
    lat: 40.0
    lon: -75.0
rules:
  - id: acc42
    user_id: ACC_42
    home_label: Chennai
    max_distance_km: 3000
`), 0o600))

	r, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	_, ok := r.Gazetteer().Lookup("Gotham")
	assert.True(t, ok)

	m := r.Evaluate("ACC_42", "Gotham", 0, 0)
	require.NotNil(t, m)
	assert.Equal(t, "Chennai", m.HomeLabel)
}

func TestLoadRules_UnknownHome(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: x
    user_id: U
    home_label: Atlantis
`), 0o600))

	_, err := LoadRules(path)
	assert.Error(t, err)
}

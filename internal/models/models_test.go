package models

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mbd888/riskgate/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eye(n int) [][]float64 {
	w := make([][]float64, n)
	for i := range w {
		w[i] = make([]float64, n)
		w[i][i] = 1
	}
	return w
}

func zeros(rows, cols int) [][]float64 {
	w := make([][]float64, rows)
	for i := range w {
		w[i] = make([]float64, cols)
	}
	return w
}

func testClassifier() *Classifier {
	leaf := func(v float64) Node { return Node{Left: -1, Right: -1, Leaf: v} }
	return &Classifier{
		Version:  "test",
		Encoders: map[string][]string{"location": {"Mumbai", "London", "Delhi"}},
		Trees: []Tree{
			// amount <= 1000 ? -2 : +2
			{Nodes: []Node{{Feature: 0, Threshold: 1000, Left: 1, Right: 2}, leaf(-2), leaf(2)}},
			// location == London ? +1 : 0
			{Nodes: []Node{{Feature: 3, Categories: []int{1}, Left: 1, Right: 2}, leaf(1), leaf(0)}},
		},
	}
}

// Encoder and decoder reproduce the input exactly: zero error.
func testPersonal() *PersonalModels {
	return &PersonalModels{
		Version: "test",
		Users: map[string]*userModel{
			"ACC_1001": {
				Scaler: Scaler{Mean: []float64{500, 19, 72}, Scale: []float64{100, 1, 1}},
				Autoencoder: Autoencoder{
					Encoder: []Dense{{Name: "enc", Activation: "linear", W: eye(3), B: make([]float64, 3)}},
					Decoder: []Dense{{Name: "dec", Activation: "linear", W: eye(3), B: make([]float64, 3)}},
				},
			},
		},
	}
}

// Decoder outputs zeros, so the error is the mean square of the scaled input.
func testVAE() *VAE {
	return &VAE{
		Version: "test",
		Scaler:  Scaler{Mean: make([]float64, VAEDim), Scale: []float64{1, 1, 1, 1, 1}},
		Autoencoder: Autoencoder{
			Encoder: []Dense{
				{Name: "hidden", Activation: "relu", W: eye(VAEDim), B: make([]float64, VAEDim)},
				{Name: "z_mean", Activation: "linear", W: zeros(VAEDim, 2), B: make([]float64, 2)},
				{Name: "z_log_var", Activation: "linear", W: zeros(VAEDim, 2), B: make([]float64, 2)},
			},
			Decoder: []Dense{{Name: "out", Activation: "linear", W: zeros(2, VAEDim), B: make([]float64, VAEDim)}},
		},
	}
}

func TestClassifier_Predict(t *testing.T) {
	c := testClassifier()
	require.NoError(t, c.prepare())

	low := c.Predict(Features{Amount: 100, Location: "Mumbai"})
	assert.InDelta(t, 1/(1+math.Exp(2)), low, 1e-12)

	high := c.Predict(Features{Amount: 5000, Location: "London"})
	assert.InDelta(t, 1/(1+math.Exp(-3)), high, 1e-12)
	assert.Greater(t, high, low)
}

func TestClassifier_UnseenCategoryMapsToFirstClass(t *testing.T) {
	c := testClassifier()
	require.NoError(t, c.prepare())

	assert.Equal(t, []string{"Delhi", "London", "Mumbai"}, c.Encoders["location"])
	assert.Equal(t, 0.0, c.Encode("location", "Atlantis"))
	assert.Equal(t, c.Encode("location", "Delhi"), c.Encode("location", "Atlantis"))
	assert.Equal(t, 0.0, c.Encode("device_used", "anything"), "column without encoder")

	assert.Equal(t,
		c.Predict(Features{Amount: 50, Location: "Delhi"}),
		c.Predict(Features{Amount: 50, Location: "Atlantis"}))
}

func TestClassifier_RejectsMalformed(t *testing.T) {
	c := &Classifier{Trees: []Tree{{Nodes: []Node{{Feature: 0, Left: 5, Right: 6}}}}}
	assert.Error(t, c.prepare())

	c = &Classifier{Features: []string{"bogus"}, Trees: []Tree{{Nodes: []Node{{Left: -1, Right: -1}}}}}
	assert.Error(t, c.prepare())

	assert.Error(t, (&Classifier{}).prepare())
}

func TestTree_CycleTerminates(t *testing.T) {
	tr := Tree{Nodes: []Node{{Feature: 0, Threshold: 1, Left: 0, Right: 0}}}
	assert.Equal(t, 0.0, tr.eval([]float64{0}))
}

func TestPersonalModels_Score(t *testing.T) {
	p := testPersonal()
	require.NoError(t, p.prepare())

	assert.InDelta(t, 0, p.Score("ACC_1001", 900, 51.5, -0.12), 1e-12, "identity network reconstructs perfectly")
	assert.Equal(t, 0.0, p.Score("ACC_9999", 1e9, 0, 0), "no model means no deviation")
	assert.True(t, p.Has("ACC_1001"))
}

func TestPersonalModels_ReconstructionError(t *testing.T) {
	p := testPersonal()
	// Decoder halves everything.
	p.Users["ACC_1001"].Decoder[0].W = [][]float64{{0.5, 0, 0}, {0, 0.5, 0}, {0, 0, 0.5}}
	require.NoError(t, p.prepare())

	// scaled = (2, 2, 2), recon = (1, 1, 1), mse = 1
	assert.InDelta(t, 1.0, p.Score("ACC_1001", 700, 21, 74), 1e-12)
}

func TestVAE_ReconstructionError(t *testing.T) {
	v := testVAE()
	require.NoError(t, v.prepare())

	mse, err := v.ReconstructionError([]float64{1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.InDelta(t, (1+4+9+16+25)/5.0, mse, 1e-12)

	_, err = v.ReconstructionError([]float64{1, 2})
	assert.Error(t, err)
}

func TestAutoencoder_ValidateShapes(t *testing.T) {
	v := testVAE()
	v.Decoder[0].W = zeros(3, VAEDim)
	assert.Error(t, v.prepare())

	v = testVAE()
	v.Encoder[0].Activation = "swish"
	assert.Error(t, v.prepare())
}

func TestNormalCDF(t *testing.T) {
	assert.InDelta(t, 0.5, NormalCDF(0), 1e-12)
	assert.InDelta(t, 0.97725, NormalCDF(2), 1e-5)
	assert.InDelta(t, 0.99997, NormalCDF(4), 1e-5)
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestRegistry_LoadAndHealth(t *testing.T) {
	dir := t.TempDir()
	writeJSON(t, filepath.Join(dir, "classifier.json"), testClassifier())
	writeJSON(t, filepath.Join(dir, "vae.json"), testVAE())

	r := NewRegistry(dir, nil)
	require.NoError(t, r.Load(context.Background()), "missing personal.json is not an error")

	assert.NotNil(t, r.Classifier())
	assert.NotNil(t, r.VAE())
	assert.Nil(t, r.Personal())

	reg := health.NewRegistry()
	r.RegisterHealth(reg)
	healthy, statuses := reg.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 3)
	assert.Equal(t, "model_personal", statuses[1].Name)
	assert.False(t, statuses[1].Healthy)
}

func TestRegistry_CorruptArtifactKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "classifier.json")
	writeJSON(t, path, testClassifier())

	r := NewRegistry(dir, nil)
	require.NoError(t, r.Load(context.Background()))
	before := r.Classifier()

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	require.NoError(t, os.Chtimes(path, time.Now().Add(time.Minute), time.Now().Add(time.Minute)))

	results := r.Reload(context.Background())
	assert.NotEmpty(t, results[0].Error)
	assert.Same(t, before, r.Classifier())
}

func TestRegistry_ReloadSwapsChangedOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "classifier.json")
	writeJSON(t, path, testClassifier())

	r := NewRegistry(dir, nil)
	require.NoError(t, r.Load(context.Background()))
	first := r.Classifier()

	results := r.Reload(context.Background())
	assert.False(t, results[0].Changed)
	assert.Same(t, first, r.Classifier())

	c := testClassifier()
	c.Version = "v2"
	writeJSON(t, path, c)
	require.NoError(t, os.Chtimes(path, time.Now().Add(time.Hour), time.Now().Add(time.Hour)))

	results = r.Reload(context.Background())
	assert.True(t, results[0].Changed)
	assert.Equal(t, "v2", r.Classifier().Version)
}

func TestRegistry_LoadCorruptIsError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vae.json"), []byte(`{"scaler":{"mean":[1]}}`), 0o600))

	r := NewRegistry(dir, nil)
	assert.Error(t, r.Load(context.Background()))
	assert.Nil(t, r.VAE())
}

func TestReloadTimer_StartStop(t *testing.T) {
	r := NewRegistry(t.TempDir(), nil)
	timer := NewReloadTimer(r, 10*time.Millisecond, r.logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.False(t, timer.Running())
}

package models

import "fmt"

// userModel is one user's behavioural autoencoder over (amount, lat, long).
type userModel struct {
	Scaler Scaler `json:"scaler"`
	Autoencoder
}

// PersonalModels holds the per-user autoencoders.
type PersonalModels struct {
	Version string                `json:"version"`
	Users   map[string]*userModel `json:"users"`
}

const personalDim = 3

func (p *PersonalModels) prepare() error {
	for id, m := range p.Users {
		if m == nil {
			return fmt.Errorf("personal model %q is empty", id)
		}
		if err := m.Scaler.validate(personalDim); err != nil {
			return fmt.Errorf("personal model %q: %w", id, err)
		}
		if err := m.Autoencoder.validate(personalDim); err != nil {
			return fmt.Errorf("personal model %q: %w", id, err)
		}
	}
	return nil
}

// Has reports whether userID has a trained model.
func (p *PersonalModels) Has(userID string) bool {
	_, ok := p.Users[userID]
	return ok
}

// Score returns the reconstruction error of the transaction against the user's
// norm. Users without a model score 0: there is no baseline to deviate from.
func (p *PersonalModels) Score(userID string, amount, lat, lon float64) float64 {
	m, ok := p.Users[userID]
	if !ok {
		return 0
	}
	return m.MSE(m.Scaler.Transform([]float64{amount, lat, lon}))
}

// VAE is the UPI sentinel's variational autoencoder over
// [amount, time_gap, log_velocity, amount_1h, amount_24h].
type VAE struct {
	Version string `json:"version"`
	Scaler  Scaler `json:"scaler"`
	Autoencoder
}

// VAEDim is the VAE input width.
const VAEDim = 5

func (v *VAE) prepare() error {
	if err := v.Scaler.validate(VAEDim); err != nil {
		return fmt.Errorf("vae: %w", err)
	}
	if err := v.Autoencoder.validate(VAEDim); err != nil {
		return fmt.Errorf("vae: %w", err)
	}
	return nil
}

// ReconstructionError scales x and returns the mean squared error of its
// reconstruction in scaled space.
func (v *VAE) ReconstructionError(x []float64) (float64, error) {
	if len(x) != VAEDim {
		return 0, fmt.Errorf("vae: got %d features, want %d", len(x), VAEDim)
	}
	return v.MSE(v.Scaler.Transform(x)), nil
}

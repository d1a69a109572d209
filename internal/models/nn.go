package models

import (
	"fmt"
	"math"
)

// Dense is one fully connected layer exported from a trained network.
// W is indexed [in][out].
type Dense struct {
	Name       string      `json:"name"`
	Activation string      `json:"activation"`
	W          [][]float64 `json:"w"`
	B          []float64   `json:"b"`
}

func (d *Dense) validate(in int) (int, error) {
	if len(d.W) != in {
		return 0, fmt.Errorf("layer %q: expects %d inputs, weights have %d rows", d.Name, in, len(d.W))
	}
	out := len(d.B)
	for i, row := range d.W {
		if len(row) != out {
			return 0, fmt.Errorf("layer %q: row %d has %d columns, want %d", d.Name, i, len(row), out)
		}
	}
	if _, ok := activations[d.Activation]; !ok {
		return 0, fmt.Errorf("layer %q: unsupported activation %q", d.Name, d.Activation)
	}
	return out, nil
}

func (d *Dense) forward(x []float64) []float64 {
	out := make([]float64, len(d.B))
	copy(out, d.B)
	for i, xi := range x {
		for j, w := range d.W[i] {
			out[j] += xi * w
		}
	}
	act := activations[d.Activation]
	for j := range out {
		out[j] = act(out[j])
	}
	return out
}

var activations = map[string]func(float64) float64{
	"":       identity,
	"linear": identity,
	"relu": func(v float64) float64 {
		return math.Max(0, v)
	},
	"sigmoid": sigmoid,
	"tanh":    math.Tanh,
	"elu": func(v float64) float64 {
		if v >= 0 {
			return v
		}
		return math.Exp(v) - 1
	},
	"softplus": func(v float64) float64 {
		return math.Log1p(math.Exp(v))
	},
}

func identity(v float64) float64 { return v }

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

// zLogVarHead names the variance head of a VAE encoder; inference skips it.
const zLogVarHead = "z_log_var"

// Autoencoder reconstructs its input through an encoder and a decoder stack.
type Autoencoder struct {
	Encoder []Dense `json:"encoder"`
	Decoder []Dense `json:"decoder"`
}

func (a *Autoencoder) validate(dim int) error {
	if len(a.Encoder) == 0 || len(a.Decoder) == 0 {
		return fmt.Errorf("autoencoder needs encoder and decoder layers")
	}
	width, in := dim, dim
	for i := range a.Encoder {
		if a.Encoder[i].Name == zLogVarHead {
			// Sibling of z_mean: reads the same input.
			if _, err := a.Encoder[i].validate(in); err != nil {
				return err
			}
			continue
		}
		w, err := a.Encoder[i].validate(width)
		if err != nil {
			return err
		}
		in, width = width, w
	}
	for i := range a.Decoder {
		w, err := a.Decoder[i].validate(width)
		if err != nil {
			return err
		}
		width = w
	}
	if width != dim {
		return fmt.Errorf("autoencoder output width %d, want %d", width, dim)
	}
	return nil
}

// Reconstruct runs x through the network using the deterministic latent mean.
func (a *Autoencoder) Reconstruct(x []float64) []float64 {
	h := x
	for i := range a.Encoder {
		if a.Encoder[i].Name == zLogVarHead {
			continue
		}
		h = a.Encoder[i].forward(h)
	}
	for i := range a.Decoder {
		h = a.Decoder[i].forward(h)
	}
	return h
}

// MSE is the mean squared reconstruction error of x.
func (a *Autoencoder) MSE(x []float64) float64 {
	return meanSquaredError(x, a.Reconstruct(x))
}

func meanSquaredError(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum / float64(len(a))
}

// Scaler is a fitted standard scaler: (x - mean) / scale.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

func (s *Scaler) validate(dim int) error {
	if len(s.Mean) != dim || len(s.Scale) != dim {
		return fmt.Errorf("scaler has %d/%d entries, want %d", len(s.Mean), len(s.Scale), dim)
	}
	return nil
}

// Transform standardizes x. A zero scale leaves the centred value unscaled.
func (s *Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v - s.Mean[i]
		if s.Scale[i] != 0 {
			out[i] /= s.Scale[i]
		}
	}
	return out
}

// NormalCDF is the standard normal cumulative distribution function.
func NormalCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}

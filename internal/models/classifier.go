package models

import (
	"fmt"
	"math"
	"sort"
)

// ClassifierFeatures is the input order of the population classifier.
var ClassifierFeatures = []string{
	"amount", "transaction_type", "merchant_category", "location", "device_used",
	"time_since_last_transaction", "spending_deviation_score", "velocity_score",
	"geo_anomaly_score", "payment_channel",
}

// Features is one classifier input. Categorical fields are raw strings and are
// label-encoded against the artifact's class lists.
type Features struct {
	Amount            float64
	TransactionType   string
	MerchantCategory  string
	Location          string
	Device            string
	TimeSinceLast     float64
	SpendingDeviation float64
	VelocityScore     float64
	GeoAnomaly        float64
	PaymentChannel    string
}

func (f *Features) raw() (nums map[string]float64, cats map[string]string) {
	return map[string]float64{
			"amount":                      f.Amount,
			"time_since_last_transaction": f.TimeSinceLast,
			"spending_deviation_score":    f.SpendingDeviation,
			"velocity_score":              f.VelocityScore,
			"geo_anomaly_score":           f.GeoAnomaly,
		}, map[string]string{
			"transaction_type":  f.TransactionType,
			"merchant_category": f.MerchantCategory,
			"location":          f.Location,
			"device_used":       f.Device,
			"payment_channel":   f.PaymentChannel,
		}
}

// Node is a gradient-boosted tree node. Leaves have Left == Right == -1.
// Numeric splits go left when x <= Threshold; categorical splits go left when
// the encoded value is in Categories. Missing values (NaN) follow DefaultLeft.
type Node struct {
	Feature     int     `json:"feature"`
	Threshold   float64 `json:"threshold"`
	Categories  []int   `json:"categories,omitempty"`
	DefaultLeft bool    `json:"default_left"`
	Left        int     `json:"left"`
	Right       int     `json:"right"`
	Leaf        float64 `json:"leaf"`
}

// Tree is a flat node array rooted at index 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) eval(x []float64) float64 {
	i := 0
	// Node count bounds the walk so a cyclic artifact cannot spin.
	for steps := 0; steps <= len(t.Nodes); steps++ {
		n := &t.Nodes[i]
		if n.Left < 0 && n.Right < 0 {
			return n.Leaf
		}
		v := x[n.Feature]
		var left bool
		switch {
		case math.IsNaN(v):
			left = n.DefaultLeft
		case len(n.Categories) > 0:
			left = containsInt(n.Categories, int(v))
		default:
			left = v <= n.Threshold
		}
		if left {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return 0
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// Classifier is a binary gradient-boosted tree ensemble with label encoders.
type Classifier struct {
	Version   string              `json:"version"`
	Features  []string            `json:"features"`
	Encoders  map[string][]string `json:"encoders"`
	InitScore float64             `json:"init_score"`
	Trees     []Tree              `json:"trees"`

	index map[string]map[string]int
}

func (c *Classifier) prepare() error {
	if len(c.Features) == 0 {
		c.Features = ClassifierFeatures
	}
	known := make(map[string]bool, len(ClassifierFeatures))
	for _, f := range ClassifierFeatures {
		known[f] = true
	}
	for _, f := range c.Features {
		if !known[f] {
			return fmt.Errorf("classifier: unknown feature %q", f)
		}
	}
	if len(c.Trees) == 0 {
		return fmt.Errorf("classifier: no trees")
	}
	for ti, t := range c.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("classifier: tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Left < 0 && n.Right < 0 {
				continue
			}
			if n.Feature < 0 || n.Feature >= len(c.Features) ||
				n.Left < 0 || n.Left >= len(t.Nodes) || n.Right < 0 || n.Right >= len(t.Nodes) {
				return fmt.Errorf("classifier: tree %d node %d is malformed", ti, ni)
			}
		}
	}

	c.index = make(map[string]map[string]int, len(c.Encoders))
	for col, classes := range c.Encoders {
		if len(classes) == 0 {
			return fmt.Errorf("classifier: encoder %q has no classes", col)
		}
		sorted := append([]string(nil), classes...)
		sort.Strings(sorted)
		c.Encoders[col] = sorted
		idx := make(map[string]int, len(sorted))
		for i, v := range sorted {
			idx[v] = i
		}
		c.index[col] = idx
	}
	return nil
}

// Encode maps a categorical value to its label index. Values the encoder never
// saw map to class 0, the lexicographically first class.
func (c *Classifier) Encode(column, value string) float64 {
	idx, ok := c.index[column]
	if !ok {
		return 0
	}
	if i, ok := idx[value]; ok {
		return float64(i)
	}
	return 0
}

// Vector builds the model input in artifact feature order.
func (c *Classifier) Vector(f Features) []float64 {
	nums, cats := f.raw()
	x := make([]float64, len(c.Features))
	for i, name := range c.Features {
		if v, ok := nums[name]; ok {
			x[i] = v
			continue
		}
		x[i] = c.Encode(name, cats[name])
	}
	return x
}

// Predict returns the fraud probability in [0, 1].
func (c *Classifier) Predict(f Features) float64 {
	x := c.Vector(f)
	score := c.InitScore
	for i := range c.Trees {
		score += c.Trees[i].eval(x)
	}
	return sigmoid(score)
}

// Package models loads the exported inference artifacts (population
// classifier, per-user autoencoders, UPI VAE) and hot-swaps them at runtime.
package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/riskgate/internal/health"
	"github.com/mbd888/riskgate/internal/metrics"
)

// Artifact names, also used as metric labels.
const (
	NameClassifier = "classifier"
	NamePersonal   = "personal"
	NameVAE        = "vae"
)

// ErrNotLoaded is returned when a caller needs a model that is not loaded.
var ErrNotLoaded = errors.New("models: artifact not loaded")

var artifactFiles = map[string]string{
	NameClassifier: "classifier.json",
	NamePersonal:   "personal.json",
	NameVAE:        "vae.json",
}

// ReloadResult reports the outcome for one artifact.
type ReloadResult struct {
	Model   string `json:"model"`
	Loaded  bool   `json:"loaded"`
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

// Registry owns the loaded artifacts. Readers get immutable snapshots; a
// reload swaps a pointer only after the new artifact parsed and validated.
type Registry struct {
	dir    string
	logger *slog.Logger

	classifier atomic.Pointer[Classifier]
	personal   atomic.Pointer[PersonalModels]
	vae        atomic.Pointer[VAE]

	mu     sync.Mutex // serializes reloads
	mtimes map[string]time.Time
}

// NewRegistry creates an empty registry reading from dir.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{dir: dir, logger: logger, mtimes: make(map[string]time.Time)}
}

// Classifier returns the current classifier or nil.
func (r *Registry) Classifier() *Classifier { return r.classifier.Load() }

// Personal returns the current personal models or nil.
func (r *Registry) Personal() *PersonalModels { return r.personal.Load() }

// VAE returns the current VAE or nil.
func (r *Registry) VAE() *VAE { return r.vae.Load() }

// SetClassifier installs c directly. Used by tests and embedders.
func (r *Registry) SetClassifier(c *Classifier) error {
	if err := c.prepare(); err != nil {
		return err
	}
	r.classifier.Store(c)
	metrics.ModelsLoaded.WithLabelValues(NameClassifier).Set(1)
	return nil
}

// SetPersonal installs p directly.
func (r *Registry) SetPersonal(p *PersonalModels) error {
	if err := p.prepare(); err != nil {
		return err
	}
	r.personal.Store(p)
	metrics.ModelsLoaded.WithLabelValues(NamePersonal).Set(1)
	return nil
}

// SetVAE installs v directly.
func (r *Registry) SetVAE(v *VAE) error {
	if err := v.prepare(); err != nil {
		return err
	}
	r.vae.Store(v)
	metrics.ModelsLoaded.WithLabelValues(NameVAE).Set(1)
	return nil
}

// Load reads every artifact. Missing files leave that model unloaded and are
// not an error; corrupt files are.
func (r *Registry) Load(ctx context.Context) error {
	var errs []error
	for _, res := range r.reload(ctx, true) {
		if res.Error != "" {
			errs = append(errs, fmt.Errorf("%s: %s", res.Model, res.Error))
		}
	}
	return errors.Join(errs...)
}

// Reload re-reads artifacts whose files changed since the last load. A failed
// parse keeps the previous version in service.
func (r *Registry) Reload(ctx context.Context) []ReloadResult {
	return r.reload(ctx, false)
}

func (r *Registry) reload(ctx context.Context, force bool) []ReloadResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	results := make([]ReloadResult, 0, len(artifactFiles))
	for _, name := range []string{NameClassifier, NamePersonal, NameVAE} {
		if ctx.Err() != nil {
			break
		}
		res := ReloadResult{Model: name, Loaded: r.loaded(name)}
		path := filepath.Join(r.dir, artifactFiles[name])

		info, err := os.Stat(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				res.Error = err.Error()
				metrics.ModelReloadsTotal.WithLabelValues(name, "error").Inc()
			} else if force {
				r.logger.Warn("model artifact missing", "model", name, "path", path)
			}
			results = append(results, res)
			continue
		}
		if !force && info.ModTime().Equal(r.mtimes[name]) {
			results = append(results, res)
			continue
		}

		if err := r.loadFile(name, path); err != nil {
			res.Error = err.Error()
			metrics.ModelReloadsTotal.WithLabelValues(name, "error").Inc()
			r.logger.Error("model load failed, keeping previous version", "model", name, "path", path, "error", err)
			results = append(results, res)
			continue
		}
		r.mtimes[name] = info.ModTime()
		res.Loaded = true
		res.Changed = true
		metrics.ModelReloadsTotal.WithLabelValues(name, "ok").Inc()
		r.logger.Info("model loaded", "model", name, "path", path, "modified", info.ModTime())
		results = append(results, res)
	}
	return results
}

func (r *Registry) loadFile(name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch name {
	case NameClassifier:
		var c Classifier
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		return r.SetClassifier(&c)
	case NamePersonal:
		var p PersonalModels
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		return r.SetPersonal(&p)
	case NameVAE:
		var v VAE
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		return r.SetVAE(&v)
	}
	return fmt.Errorf("unknown model %q", name)
}

func (r *Registry) loaded(name string) bool {
	switch name {
	case NameClassifier:
		return r.classifier.Load() != nil
	case NamePersonal:
		return r.personal.Load() != nil
	case NameVAE:
		return r.vae.Load() != nil
	}
	return false
}

// Checker returns a health checker reporting whether the named model is loaded.
func (r *Registry) Checker(name string) health.Checker {
	return func(ctx context.Context) health.Status {
		if r.loaded(name) {
			return health.Status{Name: "model_" + name, Healthy: true}
		}
		return health.Status{Name: "model_" + name, Healthy: false, Detail: "artifact not loaded"}
	}
}

// RegisterHealth adds one checker per artifact.
func (r *Registry) RegisterHealth(reg *health.Registry) {
	for _, name := range []string{NameClassifier, NamePersonal, NameVAE} {
		reg.Register("model_"+name, r.Checker(name))
	}
}

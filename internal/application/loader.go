package application

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// LoadedPipeline is a validated pipeline configuration and the gate built
// from it.
type LoadedPipeline struct {
	Config PipelineConfig
	Gate   *Gate
}

// GateLoader turns pipeline YAML into ready-to-run gates. Gates are cached
// by the SHA256 of the normalized configuration, so semantically identical
// files share one gate.
type GateLoader struct {
	// validator knows every stage the registry can build, including stages
	// registered at runtime.
	validator *validator.Validate
	registry  *StageRegistry
	opts      []GateOption
	// cache holds built gates by config hash. Cached gates are shared and
	// must not be modified.
	cache   map[string]*LoadedPipeline
	cacheMu sync.RWMutex
	// sf collapses concurrent builds of the same configuration.
	sf singleflight.Group
}

// NewGateLoader creates a loader that builds stages through registry and
// applies opts to every gate it builds.
func NewGateLoader(registry *StageRegistry, opts ...GateOption) (*GateLoader, error) {
	if registry == nil {
		return nil, errors.New("stage registry cannot be nil")
	}
	return &GateLoader{
		validator: newConfigValidator(registry.Has),
		registry:  registry,
		opts:      opts,
		cache:     make(map[string]*LoadedPipeline),
	}, nil
}

// LoadFromFile loads the pipeline configuration at path.
func (gl *GateLoader) LoadFromFile(ctx context.Context, path string) (*LoadedPipeline, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return gl.load(ctx, data)
}

// LoadFromReader loads a pipeline configuration from r.
func (gl *GateLoader) LoadFromReader(ctx context.Context, r io.Reader) (*LoadedPipeline, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	return gl.load(ctx, data)
}

// Load builds the gate for an already decoded configuration.
func (gl *GateLoader) Load(ctx context.Context, cfg PipelineConfig) (*LoadedPipeline, error) {
	return gl.build(ctx, cfg)
}

func (gl *GateLoader) load(ctx context.Context, data []byte) (*LoadedPipeline, error) {
	cfg, err := gl.parseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return gl.build(ctx, cfg)
}

func (gl *GateLoader) build(ctx context.Context, cfg PipelineConfig) (*LoadedPipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Hash the normalized config, not raw bytes.
	hash, err := configHash(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate hash: %w", err)
	}

	v, err, _ := gl.sf.Do(hash, func() (any, error) {
		if p, ok := gl.cached(hash); ok {
			return p, nil
		}

		if err := validatePipelineConfig(gl.validator, cfg); err != nil {
			return nil, fmt.Errorf("validation failed: %w", err)
		}
		gate, err := BuildGate(gl.registry, cfg, gl.opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to build gate: %w", err)
		}

		p := &LoadedPipeline{Config: cfg, Gate: gate}
		gl.cacheMu.Lock()
		gl.cache[hash] = p
		gl.cacheMu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*LoadedPipeline), nil
}

// parseYAML decodes data over the defaults. Unknown fields are rejected.
func (gl *GateLoader) parseYAML(data []byte) (PipelineConfig, error) {
	cfg := DefaultPipelineConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return PipelineConfig{}, fmt.Errorf("YAML decode failed: %w", err)
	}
	return cfg, nil
}

// configHash re-encodes cfg with fixed formatting so whitespace and key
// order do not change the hash.
func configHash(cfg PipelineConfig) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config for hashing: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", err
	}

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

func (gl *GateLoader) cached(hash string) (*LoadedPipeline, bool) {
	gl.cacheMu.RLock()
	defer gl.cacheMu.RUnlock()
	p, ok := gl.cache[hash]
	return p, ok
}

// ClearCache drops every cached gate.
func (gl *GateLoader) ClearCache() {
	gl.cacheMu.Lock()
	defer gl.cacheMu.Unlock()
	gl.cache = make(map[string]*LoadedPipeline)
}

// CacheSize returns the number of cached gates.
func (gl *GateLoader) CacheSize() int {
	gl.cacheMu.RLock()
	defer gl.cacheMu.RUnlock()
	return len(gl.cache)
}

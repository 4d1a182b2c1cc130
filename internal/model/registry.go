// ABOUTME: Model registry that maps model names to backend configurations
// ABOUTME: Loads a JSON registry document with fallback to a synthetic default entry

package model

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
)

// WireFormat identifies the request/response shape a backend expects.
type WireFormat string

const (
	// WireFormatChatCompletion is the chat-style API (Gemini, most providers).
	WireFormatChatCompletion WireFormat = "chat_completion"
	// WireFormatCompletion is the raw completion API (some Qwen deployments).
	WireFormatCompletion WireFormat = "completion"
)

// Defaults used when the registry document is missing or invalid.
const (
	DefaultModelName = "gemini-2.5-flash"
	DefaultBaseURL   = "https://generativelanguage.googleapis.com/v1beta/openai/"

	// CredentialEnvVar supplies the synthetic default credential.
	CredentialEnvVar = "GEMINI_API_KEY"
)

// ModelConfig is the backend configuration for a single model.
type ModelConfig struct {
	Name        string     `json:"-"`
	BaseURL     string     `json:"base_url"`
	APIKeys     []string   `json:"api_keys"`
	APIFormat   WireFormat `json:"api_format"`
	ModelName   string     `json:"model_name"`
	Description string     `json:"description"`
}

// ModelInfo is the sanitized view of a model exposed over the API.
// Raw credentials are never included, only the pool size.
type ModelInfo struct {
	BaseURL     string     `json:"base_url"`
	Description string     `json:"description"`
	APIFormat   WireFormat `json:"api_format"`
	ModelName   string     `json:"model_name"`
	APIKeyCount int        `json:"api_key_count"`
	Available   bool       `json:"available"`
}

// registryDocument is the on-disk shape of the registry file.
type registryDocument struct {
	Models        map[string]*ModelConfig `json:"models"`
	DefaultModel  string                  `json:"default_model"`
	FallbackModel string                  `json:"fallback_model"`
	LoadBalancing map[string]any          `json:"load_balancing"`
}

// Registry holds the loaded model configurations. It is immutable after
// Load and safe for concurrent use.
type Registry struct {
	models        map[string]*ModelConfig
	defaultModel  string
	fallbackModel string
	loadBalancing map[string]any
	logger        *slog.Logger
}

// Load reads the registry document at path. A missing or unparseable file
// is not an error: the registry falls back to a single synthetic default
// model whose credential comes from the GEMINI_API_KEY environment variable.
func Load(path string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "model-registry")

	doc, err := readDocument(path)
	if err != nil {
		logger.Warn("model config unavailable, using synthetic default",
			"path", path,
			"error", err)
		doc = syntheticDocument()
	}

	r := &Registry{
		models:        doc.Models,
		defaultModel:  doc.DefaultModel,
		fallbackModel: doc.FallbackModel,
		loadBalancing: doc.LoadBalancing,
		logger:        logger,
	}
	r.normalize()

	logger.Info("model registry loaded",
		"models", r.Names(),
		"default_model", r.defaultModel)
	return r
}

// readDocument parses the registry file, rejecting documents that cannot
// serve requests (no models or an unknown default).
func readDocument(path string) (*registryDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing model config: %w", err)
	}
	if len(doc.Models) == 0 {
		return nil, fmt.Errorf("model config has no models")
	}
	if doc.DefaultModel == "" {
		return nil, fmt.Errorf("model config has no default_model")
	}
	if _, ok := doc.Models[doc.DefaultModel]; !ok {
		return nil, fmt.Errorf("default_model %q not in configured models", doc.DefaultModel)
	}
	return &doc, nil
}

// syntheticDocument builds the single-model fallback registry.
func syntheticDocument() *registryDocument {
	return &registryDocument{
		Models: map[string]*ModelConfig{
			DefaultModelName: {
				BaseURL:     DefaultBaseURL,
				APIKeys:     []string{os.Getenv(CredentialEnvVar)},
				Description: "Synthetic default (model config missing)",
			},
		},
		DefaultModel: DefaultModelName,
	}
}

// normalize fills per-model defaults derived from the map key.
func (r *Registry) normalize() {
	for name, mc := range r.models {
		mc.Name = name
		if mc.APIFormat == "" {
			mc.APIFormat = WireFormatChatCompletion
		}
		if mc.ModelName == "" {
			mc.ModelName = name
		}
	}
}

// Resolve returns the configuration for the requested model name. An empty
// or unknown name resolves to the default model; that is a fallback, not
// an error.
func (r *Registry) Resolve(requested string) *ModelConfig {
	if requested != "" {
		if mc, ok := r.models[requested]; ok {
			return mc
		}
		r.logger.Warn("requested model not configured, using default",
			"requested", requested,
			"default_model", r.defaultModel)
	}
	return r.models[r.defaultModel]
}

// DefaultModel returns the configured default model name.
func (r *Registry) DefaultModel() string {
	return r.defaultModel
}

// FallbackModel returns the optional fallback model hint from the document.
func (r *Registry) FallbackModel() string {
	return r.fallbackModel
}

// LoadBalancing returns the optional load-balancing hint from the document.
func (r *Registry) LoadBalancing() map[string]any {
	return r.loadBalancing
}

// Names returns the configured model names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the sanitized view of every configured model.
func (r *Registry) Describe() map[string]ModelInfo {
	info := make(map[string]ModelInfo, len(r.models))
	for name, mc := range r.models {
		desc := mc.Description
		if desc == "" {
			desc = "No description available"
		}
		info[name] = ModelInfo{
			BaseURL:     mc.BaseURL,
			Description: desc,
			APIFormat:   mc.APIFormat,
			ModelName:   mc.ModelName,
			APIKeyCount: len(mc.APIKeys),
			Available:   true,
		}
	}
	return info
}

// Validate checks the credential-pool invariant: every configured model
// must have at least one non-empty credential. An empty pool is a fatal
// configuration error surfaced at startup.
func (r *Registry) Validate() error {
	for name, mc := range r.models {
		if len(mc.APIKeys) == 0 {
			return fmt.Errorf("model %q has an empty credential pool", name)
		}
		for _, key := range mc.APIKeys {
			if key == "" {
				return fmt.Errorf("model %q has an empty credential in its pool", name)
			}
		}
	}
	return nil
}

package extraction

import "context"

// Defaults applied by the settings store.
const (
	DefaultEndpoint = "https://api.deepseek.com/v1/chat/completions"
	DefaultLanguage = "python"
	DefaultModel    = "deepseek-chat"
)

// Config is the user-owned configuration of one extraction call.
type Config struct {
	APIKey          string `json:"apiKey" yaml:"api_key"`
	APIEndpoint     string `json:"apiEndpoint" yaml:"api_endpoint"`
	DefaultLanguage string `json:"defaultLanguage" yaml:"default_language"`
	Model           string `json:"modelType" yaml:"model"`
}

// ConfigSource yields the current configuration. The client calls Load once
// per request and never caches the result.
type ConfigSource interface {
	Load(ctx context.Context) (Config, error)
}

// StaticConfig is a ConfigSource that always returns itself.
type StaticConfig Config

func (s StaticConfig) Load(context.Context) (Config, error) { return Config(s), nil }

// ConfigFunc adapts a function to ConfigSource.
type ConfigFunc func(ctx context.Context) (Config, error)

func (f ConfigFunc) Load(ctx context.Context) (Config, error) { return f(ctx) }

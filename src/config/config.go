// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration. Values come from built-in
// defaults, then an optional YAML file, then environment variables.
// Environment always wins so deployments can override a checked-in file.
type Config struct {
	Port   string
	Secret string

	GitHubToken      string
	GitHubUsername   string
	GitHubAPIBaseURL string

	ProviderKey     string
	ProviderBaseURL string
	ProviderModel   string
	ProviderTimeout time.Duration

	TaskBudget    time.Duration
	MaxConcurrent int
	MaxRetries    int

	DatabaseURL string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

// fileConfig is the YAML shape. Durations are strings so the file can say
// "4m" the same way the environment does.
type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Secret string `yaml:"secret"`
	GitHub struct {
		Token    string `yaml:"token"`
		Username string `yaml:"username"`
		APIBase  string `yaml:"api_base"`
	} `yaml:"github"`
	Provider struct {
		Key     string `yaml:"key"`
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
		Timeout string `yaml:"timeout"`
	} `yaml:"provider"`
	TaskBudget    string `yaml:"task_budget"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	MaxRetries    int    `yaml:"max_retries"`
	DatabaseURL   string `yaml:"database_url"`
	Minio         struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
}

// Load builds the configuration. A missing file is not an error; a
// malformed one is.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Port:             "7860",
		GitHubAPIBaseURL: "https://api.github.com",
		ProviderBaseURL:  "https://aipipe.org/openai/v1",
		ProviderModel:    "gpt-5-nano",
		ProviderTimeout:  2 * time.Minute,
		TaskBudget:       4 * time.Minute,
		MaxConcurrent:    4,
		MaxRetries:       3,
		MinioBucket:      "tds-artifacts",
	}

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadEnv()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var fc fileConfig
	if err := yaml.NewDecoder(f).Decode(&fc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	setStr(&c.Port, fc.Server.Port)
	setStr(&c.Secret, fc.Secret)
	setStr(&c.GitHubToken, fc.GitHub.Token)
	setStr(&c.GitHubUsername, fc.GitHub.Username)
	setStr(&c.GitHubAPIBaseURL, fc.GitHub.APIBase)
	setStr(&c.ProviderKey, fc.Provider.Key)
	setStr(&c.ProviderBaseURL, fc.Provider.BaseURL)
	setStr(&c.ProviderModel, fc.Provider.Model)
	setDur(&c.ProviderTimeout, fc.Provider.Timeout)
	setDur(&c.TaskBudget, fc.TaskBudget)
	if fc.MaxConcurrent > 0 {
		c.MaxConcurrent = fc.MaxConcurrent
	}
	if fc.MaxRetries > 0 {
		c.MaxRetries = fc.MaxRetries
	}
	setStr(&c.DatabaseURL, fc.DatabaseURL)
	setStr(&c.MinioEndpoint, fc.Minio.Endpoint)
	setStr(&c.MinioAccessKey, fc.Minio.AccessKey)
	setStr(&c.MinioSecretKey, fc.Minio.SecretKey)
	setStr(&c.MinioBucket, fc.Minio.Bucket)
	if fc.Minio.UseSSL {
		c.MinioUseSSL = true
	}
	return nil
}

func (c *Config) loadEnv() {
	envStr(&c.Port, "API_PORT")
	envStr(&c.Secret, "SECRET")
	envStr(&c.GitHubToken, "GITHUB_TOKEN")
	envStr(&c.GitHubUsername, "GITHUB_USERNAME")
	envStr(&c.GitHubAPIBaseURL, "GITHUB_API_BASE_URL")
	envStr(&c.ProviderKey, "AIMLAPI_KEY")
	envStr(&c.ProviderBaseURL, "AIMLAPI_BASE_URL")
	envStr(&c.ProviderModel, "AIMLAPI_MODEL")
	envDur(&c.ProviderTimeout, "PROVIDER_TIMEOUT")
	envDur(&c.TaskBudget, "TASK_BUDGET")
	envInt(&c.MaxConcurrent, "MAX_CONCURRENT_TASKS")
	envInt(&c.MaxRetries, "MAX_RETRIES")
	envStr(&c.DatabaseURL, "DATABASE_URL")
	envStr(&c.MinioEndpoint, "MINIO_ENDPOINT")
	envStr(&c.MinioAccessKey, "MINIO_ACCESS_KEY")
	envStr(&c.MinioSecretKey, "MINIO_SECRET_KEY")
	envStr(&c.MinioBucket, "MINIO_BUCKET")
	envBool(&c.MinioUseSSL, "MINIO_USE_SSL")
}

// Validate returns the list of problems that keep outbound calls from
// working. The process still starts with warnings so the status surface
// stays reachable.
func (c *Config) Validate() []string {
	var problems []string
	if c.GitHubToken == "" {
		problems = append(problems, "GITHUB_TOKEN is not set")
	}
	if c.GitHubUsername == "" {
		problems = append(problems, "GITHUB_USERNAME is not set")
	}
	if c.ProviderKey == "" {
		problems = append(problems, "AIMLAPI_KEY is not set, generation will always fall back")
	}
	if c.Secret == "" {
		problems = append(problems, "SECRET is not set, all submissions will be rejected")
	}
	return problems
}

func (c *Config) GitHubConfigured() bool {
	return c.GitHubToken != "" && c.GitHubUsername != ""
}

func (c *Config) ProviderConfigured() bool {
	return c.ProviderKey != ""
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDur(dst *time.Duration, v string) {
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
	}
}

func envStr(dst *string, key string) {
	setStr(dst, os.Getenv(key))
}

func envDur(dst *time.Duration, key string) {
	setDur(dst, os.Getenv(key))
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

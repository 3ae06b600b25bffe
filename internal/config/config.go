// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	DataDir            string `json:"data_dir"`
	LogLevel           string `json:"log_level"`
	ListenAddr         string `json:"listen_addr"`
	MaxConcurrentTurns int64  `json:"max_concurrent_turns"`
	LLM                struct {
		BaseURL          string  `json:"base_url"`
		APIKey           string  `json:"api_key"`
		Model            string  `json:"model"`
		EmbeddingModel   string  `json:"embedding_model"`
		MaxTokens        int     `json:"max_tokens"`
		Temperature      float32 `json:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve"`
	} `json:"llm"`
	Qdrant struct {
		URL        string `json:"url"`
		Collection string `json:"collection"`
		VectorSize int    `json:"vector_size"`
	} `json:"qdrant"`
	Postgres struct {
		DSN string `json:"dsn"`
	} `json:"postgres"`
	Retrieval struct {
		TopK           int     `json:"top_k"`
		ScoreThreshold float64 `json:"score_threshold"`
	} `json:"retrieval"`
	EDGAR struct {
		UserAgent string `json:"user_agent"`
	} `json:"edgar"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:            filepath.Join(os.Getenv("HOME"), ".filingagent"),
		LogLevel:           "info",
		ListenAddr:         ":8000",
		MaxConcurrentTurns: 8,
	}
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.EmbeddingModel = "text-embedding-3-small"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.1
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.Qdrant.URL = "http://localhost:6333"
	cfg.Qdrant.Collection = "sec_filings"
	cfg.Qdrant.VectorSize = 1536
	cfg.Retrieval.TopK = 5
	cfg.Retrieval.ScoreThreshold = 0.3
	cfg.EDGAR.UserAgent = "filingagent research@example.com"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.Postgres.DSN = dsn
	}
	if url := os.Getenv("QDRANT_URL"); url != "" {
		cfg.Qdrant.URL = url
	}
	if ua := os.Getenv("SEC_EDGAR_USER_AGENT"); ua != "" {
		cfg.EDGAR.UserAgent = ua
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	return Save(path, cfg)
}

// Save writes the config atomically: temp file then rename.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

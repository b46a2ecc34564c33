// Package config loads and validates the conductor configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/caseflowd/caseflow/internal/models"
	"github.com/caseflowd/caseflow/internal/workflow"
)

type Config struct {
	Broker    BrokerConfig      `yaml:"broker"`
	Store     StoreConfig       `yaml:"store"`
	Workflow  []StepConfig      `yaml:"workflow"`
	Commands  map[string]string `yaml:"commands"`
	Paths     PathsConfig       `yaml:"paths"`
	Dashboard DashboardConfig   `yaml:"dashboard"`
	Curator   CuratorConfig     `yaml:"curator"`
}

type BrokerConfig struct {
	URL                 string `yaml:"url"`
	InboxQueue          string `yaml:"inbox_queue"`
	FileTransferQueue   string `yaml:"file_transfer_queue"`
	RemoteExecutorQueue string `yaml:"remote_executor_queue"`
	Prefetch            int    `yaml:"prefetch"`
	MaxRetries          int    `yaml:"max_retries"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type StepConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Progress int    `yaml:"progress"`
}

type PathsConfig struct {
	LocalCasesRoot     string `yaml:"local_cases_root"`
	RemoteUploadRoot   string `yaml:"remote_upload_root"`
	RemoteDownloadRoot string `yaml:"remote_download_root"`
}

type DashboardConfig struct {
	Addr string `yaml:"addr"`
}

type CuratorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Broker.InboxQueue == "" {
		c.Broker.InboxQueue = "conductor_queue"
	}
	if c.Broker.FileTransferQueue == "" {
		c.Broker.FileTransferQueue = "file_transfer_queue"
	}
	if c.Broker.RemoteExecutorQueue == "" {
		c.Broker.RemoteExecutorQueue = "remote_executor_queue"
	}
	if c.Broker.Prefetch <= 0 {
		c.Broker.Prefetch = 4
	}
	if c.Broker.Prefetch > 8 {
		c.Broker.Prefetch = 8
	}
	if c.Broker.MaxRetries <= 0 {
		c.Broker.MaxRetries = 5
	}
	if c.Dashboard.Addr == "" {
		c.Dashboard.Addr = ":8080"
	}
	if c.Curator.Interval <= 0 {
		c.Curator.Interval = 30 * time.Second
	}
}

// Validate checks required keys and builds the workflow definition once to
// surface structural problems before the daemon touches the broker.
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Paths.LocalCasesRoot == "" {
		return fmt.Errorf("paths.local_cases_root is required")
	}
	if c.Paths.RemoteUploadRoot == "" {
		return fmt.Errorf("paths.remote_upload_root is required")
	}
	if c.Paths.RemoteDownloadRoot == "" {
		return fmt.Errorf("paths.remote_download_root is required")
	}
	if _, err := workflow.New(c.Steps(), c.Commands); err != nil {
		return fmt.Errorf("workflow: %w", err)
	}
	return nil
}

// Steps converts the yaml step list into model steps.
func (c *Config) Steps() []models.Step {
	steps := make([]models.Step, 0, len(c.Workflow))
	for _, s := range c.Workflow {
		steps = append(steps, models.Step{
			Name:     s.Name,
			Type:     models.StepType(s.Type),
			Progress: s.Progress,
		})
	}
	return steps
}

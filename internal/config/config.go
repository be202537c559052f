package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config models bountyline.yml.
type Config struct {
	Permissions struct {
		Catalog map[string]PermissionSpec `yaml:"catalog"`
	} `yaml:"permissions"`
	Packages map[string]PackageSpec `yaml:"packages"`
	Bounty   struct {
		DefaultAsset string `yaml:"default_asset"`
	} `yaml:"bounty"`
	Settlement struct {
		Auto            bool     `yaml:"auto"`
		TransferTimeout Duration `yaml:"transfer_timeout"`
		RetryInterval   Duration `yaml:"retry_interval"`
		RetryBatch      int      `yaml:"retry_batch"`
	} `yaml:"settlement"`
	Wallet struct {
		RatePerSecond float64            `yaml:"rate_per_second"`
		Burst         int                `yaml:"burst"`
		Rates         map[string]float64 `yaml:"rates"`
	} `yaml:"wallet"`
	Server struct {
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

type PermissionSpec struct {
	Name    string `yaml:"name"`
	Default bool   `yaml:"default"`
}

type PackageSpec struct {
	Name     string `yaml:"name"`
	MaxTasks int    `yaml:"max_tasks"`
	MaxUsers int    `yaml:"max_users"`
	Price    string `yaml:"price"`
	Paid     bool   `yaml:"paid"`
}

// Duration is a time.Duration that reads "15s"-style YAML scalars.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Permission codes the engine checks. The catalog may add more, but these must exist.
const (
	PermTaskView         = "task.view"
	PermTaskCreate       = "task.create"
	PermTaskManage       = "task.manage"
	PermTaskSettle       = "task.settle"
	PermWalletManage     = "wallet.manage"
	PermPermissionManage = "permission.manage"
)

var requiredPermissions = []string{
	PermTaskView, PermTaskCreate, PermTaskManage, PermTaskSettle, PermWalletManage, PermPermissionManage,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Permissions.Catalog) == 0 {
		return fmt.Errorf("config.permissions.catalog is required")
	}
	for code, spec := range c.Permissions.Catalog {
		if strings.TrimSpace(code) == "" {
			return fmt.Errorf("config.permissions.catalog contains empty code")
		}
		if spec.Name == "" {
			return fmt.Errorf("permission %s has empty name", code)
		}
	}
	for _, code := range requiredPermissions {
		if _, ok := c.Permissions.Catalog[code]; !ok {
			return fmt.Errorf("config.permissions.catalog must include %s", code)
		}
	}
	for id, pkg := range c.Packages {
		if id == "" {
			return fmt.Errorf("config.packages contains empty id")
		}
		if pkg.MaxTasks < 0 || pkg.MaxUsers < 0 {
			return fmt.Errorf("package %s limits must be >= 0", id)
		}
		if pkg.Price != "" {
			if _, err := decimal.NewFromString(pkg.Price); err != nil {
				return fmt.Errorf("package %s price: %w", id, err)
			}
		}
	}
	if c.Bounty.DefaultAsset == "" {
		return fmt.Errorf("config.bounty.default_asset is required")
	}
	if c.Settlement.TransferTimeout.Std() <= 0 {
		return fmt.Errorf("config.settlement.transfer_timeout must be positive")
	}
	if c.Settlement.RetryInterval.Std() <= 0 {
		return fmt.Errorf("config.settlement.retry_interval must be positive")
	}
	if c.Settlement.RetryBatch <= 0 {
		return fmt.Errorf("config.settlement.retry_batch must be positive")
	}
	if c.Wallet.RatePerSecond < 0 || c.Wallet.Burst < 0 {
		return fmt.Errorf("config.wallet rate limits must be >= 0")
	}
	for pair, rate := range c.Wallet.Rates {
		if _, _, ok := strings.Cut(pair, "/"); !ok {
			return fmt.Errorf("wallet rate %s must be FROM/TO", pair)
		}
		if rate <= 0 {
			return fmt.Errorf("wallet rate %s must be positive", pair)
		}
	}
	return nil
}

// DefaultPermissionCodes lists catalog codes granted to every member.
func (c *Config) DefaultPermissionCodes() []string {
	var codes []string
	for code, spec := range c.Permissions.Catalog {
		if spec.Default {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}

// AllPermissionCodes lists every catalog code in stable order.
func (c *Config) AllPermissionCodes() []string {
	codes := make([]string, 0, len(c.Permissions.Catalog))
	for code := range c.Permissions.Catalog {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bountyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `permissions:
  catalog:
    task.view:
      name: "View tasks"
      default: true
    task.create:
      name: "Create tasks"
    task.manage:
      name: "Accept applicants, complete and reopen tasks"
    task.settle:
      name: "Trigger settlement and release settlement holds"
    wallet.manage:
      name: "Fund escrow and convert assets"
    permission.manage:
      name: "Grant and revoke permissions"

packages:
  free:
    name: "Free"
    max_tasks: 5
    max_users: 3
    price: "0"
  team:
    name: "Team"
    max_tasks: 100
    max_users: 25
    price: "49"
    paid: true

bounty:
  default_asset: USDC

settlement:
  auto: true
  transfer_timeout: 15s
  retry_interval: 30s
  retry_batch: 50

wallet:
  rate_per_second: 10
  burst: 5
  rates:
    XLM/USDC: 0.1
    USDC/XLM: 10

server:
  base_path: /v1
  jwt_secret: ""
`

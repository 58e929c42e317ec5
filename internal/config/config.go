package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted when credentials are not set explicitly.
const (
	EnvSubscriptionID = "AZURE_SUBSCRIPTION_ID"
	EnvCertPath       = "AZURE_CERT_PATH"
)

// DesiredState is the end state an invocation converges to.
type DesiredState string

const (
	StatePresent DesiredState = "present"
	StateAbsent  DesiredState = "absent"
)

// Locations the service management API accepts for hosted services.
var Locations = []string{
	"South Central US",
	"Central US",
	"East US 2",
	"East US",
	"West US",
	"North Central US",
	"North Europe",
	"West Europe",
	"East Asia",
	"Southeast Asia",
	"Japan West",
	"Japan East",
	"Brazil South",
}

// RoleSizes the service management API accepts for a role.
var RoleSizes = []string{
	"ExtraSmall",
	"Small",
	"Medium",
	"Large",
	"ExtraLarge",
	"A5",
	"A6",
	"A7",
	"A8",
	"A9",
	"Basic_A0",
	"Basic_A1",
	"Basic_A2",
	"Basic_A3",
	"Basic_A4",
	"Standard_D1",
	"Standard_D2",
	"Standard_D3",
	"Standard_D4",
	"Standard_D11",
	"Standard_D12",
	"Standard_D13",
	"Standard_D14",
}

// Config describes one virtual machine instance and how to reach the
// subscription that owns it. The name doubles as the hosted service and
// deployment identifiers, so it must be unique within the provider.
type Config struct {
	Name string `yaml:"name" validate:"required"`

	// Subscription credentials. When SubscriptionID is empty both values
	// fall back to the environment, see ResolveCredentials.
	SubscriptionID     string `yaml:"subscription_id"`
	ManagementCertPath string `yaml:"management_cert_path"`

	// Instance parameters. Location, Image, StorageAccount and User are
	// only required when converging to present.
	Location           string `yaml:"location"`
	Image              string `yaml:"image"`
	StorageAccount     string `yaml:"storage_account"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	SSHCertPath        string `yaml:"ssh_cert_path"`
	RoleSize           string `yaml:"role_size"`
	VirtualNetworkName string `yaml:"virtual_network_name"`
	Hostname           string `yaml:"hostname"`

	// Endpoints is a comma-separated list of TCP ports to expose.
	Endpoints string `yaml:"endpoints"`

	// Wait controls whether mutations are confirmed by polling before
	// returning; WaitTimeout bounds that wait in seconds.
	Wait        bool `yaml:"wait"`
	WaitTimeout int  `yaml:"wait_timeout" validate:"gt=0"`

	State DesiredState `yaml:"state" validate:"oneof=present absent"`
}

// Load reads an instance description from a YAML file, applying defaults
// for everything the file leaves out.
func Load(path string) (*Config, error) {
	config := &Config{
		RoleSize:    "Small",
		Endpoints:   "22",
		Wait:        true,
		WaitTimeout: 300,
		State:       StatePresent,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instance file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse instance file: %w", err)
	}

	// Expand environment variables in credential and secret fields so the
	// file can reference ${AZURE_...} style values without inlining them.
	config.SubscriptionID = os.ExpandEnv(config.SubscriptionID)
	config.ManagementCertPath = os.ExpandEnv(config.ManagementCertPath)
	config.SSHCertPath = os.ExpandEnv(config.SSHCertPath)
	config.Password = os.ExpandEnv(config.Password)

	return config, nil
}

// Validate checks that the description carries everything the desired
// state needs. It runs before any provider call is issued.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid instance description: %w", err)
	}

	if _, err := c.Ports(); err != nil {
		return err
	}

	if c.State == StateAbsent {
		return nil
	}

	// Everything below is only consumed by the create path.
	if c.Location == "" {
		return fmt.Errorf("location is required when state is present")
	}
	if c.Image == "" {
		return fmt.Errorf("image is required when state is present")
	}
	if c.StorageAccount == "" {
		return fmt.Errorf("storage_account is required when state is present")
	}
	if c.User == "" {
		return fmt.Errorf("user is required when state is present")
	}
	if !slices.Contains(Locations, c.Location) {
		return fmt.Errorf("location %q is not a recognized region", c.Location)
	}
	if !slices.Contains(RoleSizes, c.RoleSize) {
		return fmt.Errorf("role_size %q is not a recognized size", c.RoleSize)
	}
	return nil
}

// Ports parses the endpoint list into TCP port numbers.
func (c *Config) Ports() ([]int, error) {
	var ports []int
	for _, raw := range strings.Split(c.Endpoints, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q is not a port number", raw)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("endpoint %d is outside the TCP port range", port)
		}
		ports = append(ports, port)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("endpoints must list at least one TCP port")
	}
	return ports, nil
}

// EffectiveHostname returns the configured hostname, defaulting to the
// instance's public DNS name.
func (c *Config) EffectiveHostname() string {
	if c.Hostname != "" {
		return c.Hostname
	}
	return c.Name + ".cloudapp.net"
}

// WaitDuration returns the poll deadline as a duration.
func (c *Config) WaitDuration() time.Duration {
	return time.Duration(c.WaitTimeout) * time.Second
}

// Credentials identify the subscription and the management certificate
// used to authenticate against it.
type Credentials struct {
	SubscriptionID string
	CertPath       string
}

// ResolveCredentials produces the subscription credentials for this
// description. An explicit subscription_id wins together with its
// certificate path; when it is absent both values are read from the
// environment via getenv, and it is an error if either variable is unset.
// getenv is a parameter so callers can resolve without a real process
// environment.
func (c *Config) ResolveCredentials(getenv func(string) string) (Credentials, error) {
	if c.SubscriptionID != "" {
		if c.ManagementCertPath == "" {
			return Credentials{}, fmt.Errorf("management_cert_path is required when subscription_id is set explicitly")
		}
		return Credentials{
			SubscriptionID: c.SubscriptionID,
			CertPath:       c.ManagementCertPath,
		}, nil
	}

	id := getenv(EnvSubscriptionID)
	certPath := getenv(EnvCertPath)
	if id == "" {
		return Credentials{}, fmt.Errorf("no subscription found: set subscription_id or export %s", EnvSubscriptionID)
	}
	if certPath == "" {
		return Credentials{}, fmt.Errorf("no management certificate found: set management_cert_path or export %s", EnvCertPath)
	}
	return Credentials{SubscriptionID: id, CertPath: certPath}, nil
}

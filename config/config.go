package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "CONVERGE"

// Config holds everything a convergence run needs to know about the
// cluster being built. Values come from the config file, overridden by
// CONVERGE_* environment variables.
type Config struct {
	Cluster  ClusterConfig  `mapstructure:"cluster"`
	Network  NetworkConfig  `mapstructure:"network"`
	SSH      SSHConfig      `mapstructure:"ssh"`
	Join     JoinConfig     `mapstructure:"join"`
	Firewall FirewallConfig `mapstructure:"firewall"`
	Policies []PolicyConfig `mapstructure:"network_policies"`
	VPN      VPNConfig      `mapstructure:"vpn"`
	Tunnel   TunnelConfig   `mapstructure:"tunnel"`
	Backup   BackupConfig   `mapstructure:"backup"`
	Versions VersionsConfig `mapstructure:"versions"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Report   ReportConfig   `mapstructure:"report"`
	Log      LogConfig      `mapstructure:"log"`
}

type ClusterConfig struct {
	Name   string `mapstructure:"name"`
	Domain string `mapstructure:"domain"`
}

type NetworkConfig struct {
	// PodCIDR and ServiceCIDR are handed to kubeadm init verbatim.
	PodCIDR     string `mapstructure:"pod_cidr"`
	ServiceCIDR string `mapstructure:"service_cidr"`

	// AdvertiseIP is the API server advertise address. Empty means the
	// master node's inventory IP is used.
	AdvertiseIP string `mapstructure:"advertise_ip"`

	// NodeCIDR covers the LAN the nodes share; intra-cluster firewall
	// allows are scoped to it.
	NodeCIDR string `mapstructure:"node_cidr"`

	// MgmtCIDR is where operators connect from. SSH and API access are
	// scoped to it.
	MgmtCIDR string `mapstructure:"mgmt_cidr"`

	CNI string `mapstructure:"cni"`
}

type SSHConfig struct {
	User    string `mapstructure:"user"`
	KeyPath string `mapstructure:"key_path"`
	Port    int    `mapstructure:"port"`
}

type JoinConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type FirewallConfig struct {
	Manage bool `mapstructure:"manage"`

	// Allow appends operator rules to the computed per-role policy.
	Allow []AllowRule `mapstructure:"allow"`
}

type AllowRule struct {
	Name  string `mapstructure:"name"`
	Port  string `mapstructure:"port"`
	Proto string `mapstructure:"proto"`
	From  string `mapstructure:"from"`
}

type PolicyConfig struct {
	Name        string            `mapstructure:"name"`
	Namespace   string            `mapstructure:"namespace"`
	PodSelector map[string]string `mapstructure:"pod_selector"`
	FromCIDRs   []string          `mapstructure:"from_cidrs"`
	Ports       []PolicyPort      `mapstructure:"ports"`
}

type PolicyPort struct {
	Port     int    `mapstructure:"port"`
	Protocol string `mapstructure:"protocol"`
}

type VPNConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// AuthKeyEnv names the environment variable holding the tailscale
	// auth key. The key itself never lives in the config file.
	AuthKeyEnv string `mapstructure:"auth_key_env"`
}

type TunnelConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Name     string `mapstructure:"name"`
	Hostname string `mapstructure:"hostname"`
}

type BackupConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Bucket       string `mapstructure:"bucket"`
	Schedule     string `mapstructure:"schedule"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKeyEnv string `mapstructure:"access_key_env"`
	SecretKeyEnv string `mapstructure:"secret_key_env"`
}

type VersionsConfig struct {
	Kubernetes   string `mapstructure:"kubernetes"`
	Calico       string `mapstructure:"calico"`
	IngressNginx string `mapstructure:"ingress_nginx"`
	Minio        string `mapstructure:"minio"`
	Velero       string `mapstructure:"velero"`
}

type TimeoutsConfig struct {
	// Step bounds a single check or apply.
	Step time.Duration `mapstructure:"step"`

	// Ready bounds readiness polls inside a step.
	Ready time.Duration `mapstructure:"ready"`
}

type ReportConfig struct {
	Path string `mapstructure:"path"`

	// MetricsTextfile, when set, receives run metrics in the
	// node_exporter textfile collector format.
	MetricsTextfile string `mapstructure:"metrics_textfile"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the config file at path, applies CONVERGE_* environment
// overrides and validates the result. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cluster.name", "")
	v.SetDefault("cluster.domain", "")

	v.SetDefault("network.pod_cidr", "10.244.0.0/16")
	v.SetDefault("network.service_cidr", "10.96.0.0/12")
	v.SetDefault("network.cni", "calico")

	v.SetDefault("ssh.user", "ubuntu")
	v.SetDefault("ssh.port", 22)

	v.SetDefault("join.token_ttl", "24h")

	v.SetDefault("firewall.manage", true)

	v.SetDefault("versions.kubernetes", "1.29.3")
	v.SetDefault("versions.calico", "v3.27.2")
	v.SetDefault("versions.ingress_nginx", "v1.10.0")
	v.SetDefault("versions.minio", "RELEASE.2024-03-15T01-07-19Z")
	v.SetDefault("versions.velero", "v1.13.1")

	v.SetDefault("timeouts.step", "10m")
	v.SetDefault("timeouts.ready", "5m")

	v.SetDefault("backup.schedule", "0 3 * * *")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate rejects configs a run could not act on. Called by Load;
// exported for callers that build configs by hand.
func (c *Config) Validate() error {
	if c.Cluster.Name == "" {
		return errors.New("cluster.name is required")
	}

	for _, cidr := range []struct{ name, val string }{
		{"network.pod_cidr", c.Network.PodCIDR},
		{"network.service_cidr", c.Network.ServiceCIDR},
	} {
		if _, _, err := net.ParseCIDR(cidr.val); err != nil {
			return fmt.Errorf("%s %q is not a valid CIDR: %w", cidr.name, cidr.val, err)
		}
	}

	for _, cidr := range []struct{ name, val string }{
		{"network.node_cidr", c.Network.NodeCIDR},
		{"network.mgmt_cidr", c.Network.MgmtCIDR},
	} {
		if cidr.val == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(cidr.val); err != nil {
			return fmt.Errorf("%s %q is not a valid CIDR: %w", cidr.name, cidr.val, err)
		}
	}

	if c.Network.AdvertiseIP != "" && net.ParseIP(c.Network.AdvertiseIP) == nil {
		return fmt.Errorf("network.advertise_ip %q is not a valid IP", c.Network.AdvertiseIP)
	}

	if c.Firewall.Manage && c.Network.NodeCIDR == "" {
		return errors.New("network.node_cidr is required when firewall.manage is on")
	}

	switch c.Network.CNI {
	case "calico", "flannel":
	default:
		return fmt.Errorf("network.cni %q is not supported", c.Network.CNI)
	}

	for i, rule := range c.Firewall.Allow {
		if rule.Name == "" || rule.Port == "" {
			return fmt.Errorf("firewall.allow[%d] needs both name and port", i)
		}
		switch rule.Proto {
		case "tcp", "udp":
		default:
			return fmt.Errorf("firewall.allow[%d] proto %q is not supported", i, rule.Proto)
		}
	}

	if c.SSH.User == "" {
		return errors.New("ssh.user is required")
	}
	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port %d out of range", c.SSH.Port)
	}

	if c.Join.TokenTTL <= 0 {
		return errors.New("join.token_ttl must be positive")
	}

	if c.Timeouts.Step <= 0 || c.Timeouts.Ready <= 0 {
		return errors.New("timeouts.step and timeouts.ready must be positive")
	}

	if c.Tunnel.Enabled && c.Tunnel.Name == "" {
		return errors.New("tunnel.name is required when tunnel.enabled is on")
	}
	if c.VPN.Enabled && c.VPN.AuthKeyEnv == "" {
		return errors.New("vpn.auth_key_env is required when vpn.enabled is on")
	}
	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return errors.New("backup.bucket is required when backup.enabled is on")
	}

	for i := range c.Policies {
		p := &c.Policies[i]
		if p.Name == "" {
			return fmt.Errorf("network_policies[%d].name is required", i)
		}
		if p.Namespace == "" {
			p.Namespace = "default"
		}
		for _, cidr := range p.FromCIDRs {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("network_policies[%d] cidr %q: %w", i, cidr, err)
			}
		}
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not valid", c.Log.Level)
	}

	return nil
}

// APIEndpoint returns host:port for kubeadm join against the given
// master address.
func (c *Config) APIEndpoint(masterIP string) string {
	host := c.Network.AdvertiseIP
	if host == "" {
		host = masterIP
	}

	return net.JoinHostPort(host, "6443")
}

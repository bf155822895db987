package config

import (
	"fmt"
	"log"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	BindHost string `envconfig:"BIND_HOST" default:"127.0.0.1"`
	BindPort int    `envconfig:"BIND_PORT" default:"8081"`

	PortLo int `envconfig:"PORT_LO" default:"17000"`
	PortHi int `envconfig:"PORT_HI" default:"17999"`

	MaxSessionsPerUser  int           `envconfig:"MAX_SESSIONS_PER_USER" default:"3"`
	SessionTimeoutHours int           `envconfig:"SESSION_TIMEOUT_HOURS" default:"24"`
	ReadyTimeout        time.Duration `envconfig:"READY_TIMEOUT" default:"30s"`

	ContainerImage    string `envconfig:"CONTAINER_IMAGE" default:"termgate/terminal:latest"`
	ContainerMemory   string `envconfig:"CONTAINER_MEMORY" default:"2g"`
	ContainerCPUQuota string `envconfig:"CONTAINER_CPU_QUOTA" default:"1.0"`
	DockerHost        string `envconfig:"DOCKER_HOST" default:""`

	DataDir       string `envconfig:"DATA_DIR" default:"./data"`
	WorkspaceRoot string `envconfig:"WORKSPACE_ROOT" default:""`
	AuthFile      string `envconfig:"AUTH_FILE" default:""`
	LogPath       string `envconfig:"LOG_PATH" default:""`

	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"20s"`
	KeepaliveTimeout  time.Duration `envconfig:"KEEPALIVE_TIMEOUT" default:"20s"`

	// Directory-service (LDAP) authentication. Disabled unless enabled
	// explicitly; local users from AUTH_FILE are always checked first.
	DirectoryEnabled       bool          `envconfig:"DIRECTORY_SERVICE_ENABLED" default:"false"`
	DirectoryURL           string        `envconfig:"DIRECTORY_SERVICE_URL" default:""`
	DirectoryStartTLS      bool          `envconfig:"DIRECTORY_SERVICE_START_TLS" default:"false"`
	DirectoryTLSSkipVerify bool          `envconfig:"DIRECTORY_SERVICE_TLS_SKIP_VERIFY" default:"false"`
	DirectoryBindDN        string        `envconfig:"DIRECTORY_SERVICE_BIND_DN" default:""`
	DirectoryBindPassword  string        `envconfig:"DIRECTORY_SERVICE_BIND_PASSWORD" default:""`
	DirectoryBaseDN        string        `envconfig:"DIRECTORY_SERVICE_BASE_DN" default:""`
	DirectoryUserFilter    string        `envconfig:"DIRECTORY_SERVICE_USER_FILTER" default:"(uid={username})"`
	DirectoryGroupFilter   string        `envconfig:"DIRECTORY_SERVICE_GROUP_FILTER" default:""`
	DirectoryGroupBaseDN   string        `envconfig:"DIRECTORY_SERVICE_GROUP_BASE_DN" default:""`
	DirectoryTimeout       time.Duration `envconfig:"DIRECTORY_SERVICE_TIMEOUT" default:"10s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.WorkspaceRoot == "" {
		Cfg.WorkspaceRoot = filepath.Join(Cfg.DataDir, "workspaces")
	}
	if Cfg.DirectoryGroupBaseDN == "" {
		Cfg.DirectoryGroupBaseDN = Cfg.DirectoryBaseDN
	}
}

// AuthEnabled reports whether local or directory authentication is configured.
func (s *Settings) AuthEnabled() bool {
	return s.AuthFile != "" || s.DirectoryEnabled
}

// Validate rejects configurations that would silently weaken the security
// model. Called once at startup, after Load.
func (s *Settings) Validate() error {
	if s.PortLo > s.PortHi {
		return fmt.Errorf("PORT_LO (%d) must not exceed PORT_HI (%d)", s.PortLo, s.PortHi)
	}
	if s.PortLo < 1 || s.PortHi > 65535 {
		return fmt.Errorf("port range %d-%d outside 1-65535", s.PortLo, s.PortHi)
	}
	if s.MaxSessionsPerUser < 1 {
		return fmt.Errorf("MAX_SESSIONS_PER_USER must be at least 1, got %d", s.MaxSessionsPerUser)
	}

	// Without authentication anyone who can reach the listener owns the
	// host, so the listener must stay on loopback.
	if !s.AuthEnabled() {
		ip := net.ParseIP(s.BindHost)
		if ip == nil || !ip.IsLoopback() {
			return fmt.Errorf("authentication is disabled; BIND_HOST must be a loopback address, got %q", s.BindHost)
		}
	}

	if s.DirectoryEnabled {
		if s.DirectoryURL == "" {
			return fmt.Errorf("DIRECTORY_SERVICE_ENABLED is set but DIRECTORY_SERVICE_URL is empty")
		}
		if s.DirectoryBaseDN == "" {
			return fmt.Errorf("DIRECTORY_SERVICE_ENABLED is set but DIRECTORY_SERVICE_BASE_DN is empty")
		}
		if n := strings.Count(s.DirectoryUserFilter, "{username}"); n != 1 {
			return fmt.Errorf("DIRECTORY_SERVICE_USER_FILTER must contain exactly one {username} placeholder, found %d", n)
		}
		if s.DirectoryGroupFilter != "" {
			dn := strings.Count(s.DirectoryGroupFilter, "{user_dn}")
			un := strings.Count(s.DirectoryGroupFilter, "{username}")
			if dn+un != 1 {
				return fmt.Errorf("DIRECTORY_SERVICE_GROUP_FILTER must contain exactly one {user_dn} or {username} placeholder, found %d", dn+un)
			}
		}
	}
	return nil
}

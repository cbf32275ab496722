package snowflake

import (
	"github.com/BurntSushi/toml"

	"github.com/ryanwith/melchi/pkg/config"
	"github.com/ryanwith/melchi/pkg/errors"
)

// connectionProfile is one named entry in a Snowflake connections.toml
// file. Only the keys Melchi consumes are decoded.
type connectionProfile struct {
	Account       string `toml:"account"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	Role          string `toml:"role"`
	Warehouse     string `toml:"warehouse"`
	Authenticator string `toml:"authenticator"`
}

// mergeConnectionProfile loads the named profile from a connections.toml
// file and fills in any connection parameter the YAML config left blank.
// Explicit YAML values win over profile values.
func mergeConnectionProfile(cfg *config.SourceConfig) error {
	if cfg.ConnectionFilePath == "" {
		return nil
	}

	name := cfg.ConnectionProfileName
	if name == "" {
		name = "default"
	}

	var profiles map[string]connectionProfile
	if _, err := toml.DecodeFile(cfg.ConnectionFilePath, &profiles); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfiguration,
			"failed to read connection file "+cfg.ConnectionFilePath)
	}

	profile, ok := profiles[name]
	if !ok {
		return errors.Newf(errors.ErrorTypeConfiguration,
			"connection profile %q not found in %s", name, cfg.ConnectionFilePath)
	}

	if cfg.Account == "" {
		cfg.Account = profile.Account
	}
	if cfg.User == "" {
		cfg.User = profile.User
	}
	if cfg.Password == "" {
		cfg.Password = profile.Password
	}
	if cfg.Role == "" {
		cfg.Role = profile.Role
	}
	if cfg.Warehouse == "" {
		cfg.Warehouse = profile.Warehouse
	}
	if cfg.Authenticator == "" {
		cfg.Authenticator = profile.Authenticator
	}
	return nil
}

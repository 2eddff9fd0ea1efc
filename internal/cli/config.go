// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mobiletoly/go-possync/possqlite"
)

// Configuration keys double as flag names and POSYNC_* variable suffixes.
const (
	keyDB        = "db"
	keyServer    = "server"
	keyBranch    = "branch"
	keyBranches  = "branches"
	keyTerminal  = "terminal"
	keyLabel     = "label"
	keyJWTSecret = "jwt-secret"
	keyInterval  = "interval"
	keyPushBatch = "push-max-events"
	keyPullLimit = "pull-limit"
)

const (
	defaultDB     = "posync.db"
	defaultServer = "http://localhost:8080"
	configName    = "posync"
	envPrefix     = "POSYNC"
)

// Settings is the resolved terminal configuration
type Settings struct {
	DB            string
	Server        string
	Branch        string
	Branches      []string // extra branches served by `run`
	Terminal      int
	DeviceLabel   string
	JWTSecret     string
	Interval      time.Duration
	PushMaxEvents int
	PullLimit     int
}

// LoadSettings resolves the terminal configuration. Flags of cmd win over POSYNC_* variables
// (an optional .env included), which win over the config file.
func LoadSettings(cmd *cobra.Command, configFile string) (*Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetDefault(keyDB, defaultDB)
	v.SetDefault(keyServer, defaultServer)
	v.SetDefault(keyTerminal, 1)
	v.SetDefault(keyInterval, possqlite.DefaultSyncInterval)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	s := &Settings{
		DB:            v.GetString(keyDB),
		Server:        v.GetString(keyServer),
		Branch:        v.GetString(keyBranch),
		Branches:      v.GetStringSlice(keyBranches),
		Terminal:      v.GetInt(keyTerminal),
		DeviceLabel:   v.GetString(keyLabel),
		JWTSecret:     v.GetString(keyJWTSecret),
		Interval:      v.GetDuration(keyInterval),
		PushMaxEvents: v.GetInt(keyPushBatch),
		PullLimit:     v.GetInt(keyPullLimit),
	}
	if s.DB == "" {
		return nil, errors.New("db path must not be empty")
	}
	if s.Terminal < 1 || s.Terminal > 99 {
		return nil, fmt.Errorf("terminal must be between 1 and 99, got %d", s.Terminal)
	}
	return s, nil
}

// AllBranches returns Branch followed by Branches without duplicates or blanks. Entries may
// hold comma separated lists, as POSYNC_BRANCHES does.
func (s *Settings) AllBranches() []string {
	var out []string
	seen := map[string]bool{}
	for _, entry := range append([]string{s.Branch}, s.Branches...) {
		for _, b := range strings.Split(entry, ",") {
			b = strings.TrimSpace(b)
			if b == "" || seen[b] {
				continue
			}
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

// EngineConfig maps settings onto the engine configuration.
func (s *Settings) EngineConfig() *possqlite.Config {
	cfg := possqlite.DefaultConfig()
	cfg.TerminalNumber = s.Terminal
	cfg.DeviceLabel = s.DeviceLabel
	if s.PushMaxEvents > 0 {
		cfg.PushMaxEvents = s.PushMaxEvents
	}
	if s.PullLimit > 0 {
		cfg.PullLimit = s.PullLimit
	}
	return cfg
}

/*
 * Copyright (c) CS Foundry, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"crypto"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/csfoundry/coderep/lib/machfile"
)

type IdentityConfig struct {
	Prefix string // Prefix prepended to identifiers derived from file names
	Team   string // Team identifier recorded in new code directories
}

type DetachedConfig struct {
	Dir string // Directory holding detached signatures, next to the file if empty
}

type Config struct {
	Arch     []string // Preferred architectures for universal binaries, in order
	Hash     string   // Digest algorithm for new code directories
	Detached *DetachedConfig
	Identity *IdentityConfig

	path string
}

func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := new(Config)
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	config.path = path
	return config, nil
}

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{Hash: "sha256"}
}

func (config *Config) Path() string { return config.path }

// ArchPreference parses the configured architecture list. An empty list
// defers to the built-in platform preference.
func (config *Config) ArchPreference() ([]machfile.Arch, error) {
	arches := make([]machfile.Arch, 0, len(config.Arch))
	for _, name := range config.Arch {
		arch, err := machfile.ParseArch(name)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", config.path, err)
		}
		arches = append(arches, arch)
	}
	return arches, nil
}

// HashFunc resolves the configured digest algorithm.
func (config *Config) HashFunc() (crypto.Hash, error) {
	switch config.Hash {
	case "", "sha256":
		return crypto.SHA256, nil
	case "sha1":
		return crypto.SHA1, nil
	default:
		return 0, fmt.Errorf("config %s: unknown hash algorithm %q", config.path, config.Hash)
	}
}

// TeamIdentifier returns the configured team identifier, if any.
func (config *Config) TeamIdentifier() string {
	if config.Identity == nil {
		return ""
	}
	return config.Identity.Team
}

// Identifier applies the configured prefix to a derived identifier.
func (config *Config) Identifier(base string) string {
	if config.Identity == nil || config.Identity.Prefix == "" {
		return base
	}
	return config.Identity.Prefix + base
}

// DetachedDir returns the directory for detached signature sidecars, empty
// meaning alongside the target file.
func (config *Config) DetachedDir() string {
	if config.Detached == nil {
		return ""
	}
	return config.Detached.Dir
}

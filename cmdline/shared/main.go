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

package shared

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/csfoundry/coderep/config"
)

var (
	Version = "unknown" // set this at link time
	Commit  = "unknown" // set this at link time
)

var (
	ArgConfig     string
	CurrentConfig *config.Config
	argVersion    bool
	argLogLevel   string
)

var RootCmd = &cobra.Command{
	Use:              "coderep",
	PersistentPreRun: setup,
	RunE:             bailUnlessVersion,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&ArgConfig, "config", "c", "", "Configuration file")
	RootCmd.PersistentFlags().StringVar(&argLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	RootCmd.PersistentFlags().BoolVar(&argVersion, "version", false, "Show version and exit")
}

func setup(cmd *cobra.Command, args []string) {
	if argVersion {
		fmt.Printf("coderep version %s\n", Version)
		os.Exit(0)
	}
	if err := SetupLogging(argLogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func bailUnlessVersion(cmd *cobra.Command, args []string) error {
	if !argVersion {
		return errors.New("expected a command")
	}
	return nil
}

// InitConfig loads the configuration named by --config, falling back to the
// per-user default location and then to built-in defaults.
func InitConfig() error {
	if CurrentConfig != nil {
		return nil
	}
	usedDefault := false
	if ArgConfig == "" {
		ArgConfig = config.DefaultConfig()
		usedDefault = true
	}
	cfg, err := config.ReadFile(ArgConfig)
	if err != nil {
		if os.IsNotExist(err) && usedDefault {
			CurrentConfig = config.Default()
			return nil
		}
		return err
	}
	CurrentConfig = cfg
	return nil
}

func Fail(err error) error {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(70)
	}
	return err
}

func Main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

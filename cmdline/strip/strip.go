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

package strip

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/csfoundry/coderep/cmdline/shared"
	"github.com/csfoundry/coderep/lib/diskrep"
)

var StripCmd = &cobra.Command{
	Use:   "strip",
	Short: "Remove signing data from files",
	RunE:  stripCmd,
}

func init() {
	shared.RootCmd.AddCommand(StripCmd)
	shared.AddTargetFlags(StripCmd)
}

func stripCmd(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errors.New("expected 1 or more files")
	}
	for _, path := range args {
		if err := stripOne(path); err != nil {
			return shared.Fail(fmt.Errorf("%s: %w", path, err))
		}
	}
	return nil
}

func stripOne(path string) error {
	rep, err := shared.OpenTarget(path)
	if err != nil {
		return err
	}
	signed, err := diskrep.IsSigned(rep)
	if err != nil {
		return err
	}
	if !signed {
		log.Info().Str("path", path).Msg("already unsigned")
		return nil
	}
	w, err := rep.Writer()
	if err != nil {
		return err
	}
	if err := w.Remove(); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := rep.Flush(); err != nil {
		return err
	}
	log.Info().Str("path", path).Msg("signature removed")
	return nil
}

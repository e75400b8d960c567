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

package components

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/csfoundry/coderep/cmdline/shared"
	"github.com/csfoundry/coderep/lib/blob"
)

var ComponentsCmd = &cobra.Command{
	Use:   "components",
	Short: "List or extract the signing components of a file",
	RunE:  componentsCmd,
}

var (
	argExtract uint32
	argOutput  string
)

func init() {
	shared.RootCmd.AddCommand(ComponentsCmd)
	shared.AddTargetFlags(ComponentsCmd)
	ComponentsCmd.Flags().Uint32Var(&argExtract, "extract", 0, "Extract the component in this slot instead of listing")
	ComponentsCmd.Flags().StringVarP(&argOutput, "output", "o", "-", "Write the extracted component here")
}

// wellKnownSlots is the listing probe order; alternates and rep-specific data
// follow the primaries.
var wellKnownSlots = []blob.Slot{
	blob.SlotCodeDirectory,
	blob.SlotInfo,
	blob.SlotRequirements,
	blob.SlotResourceDir,
	blob.SlotTopDirectory,
	blob.SlotEntitlement,
	blob.SlotRepSpecific,
	blob.SlotEntitlementDER,
	blob.SlotAlternateCodeDirectories,
	blob.SlotSignature,
	blob.SlotIdentification,
	blob.SlotTicket,
}

func componentsCmd(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errors.New("expected exactly 1 file")
	}
	rep, err := shared.OpenTarget(args[0])
	if err != nil {
		return shared.Fail(err)
	}
	if cmd.Flags().Changed("extract") {
		return extract(rep.Component, blob.Slot(argExtract))
	}
	found := false
	for _, slot := range wellKnownSlots {
		data, err := rep.Component(slot)
		if err != nil {
			return shared.Fail(err)
		}
		if data == nil {
			continue
		}
		found = true
		fmt.Printf("%-24s slot %-7d %d bytes\n", slot, uint32(slot), len(data))
	}
	if !found {
		fmt.Printf("%s has no signing components\n", args[0])
	}
	return nil
}

func extract(component func(blob.Slot) ([]byte, error), slot blob.Slot) error {
	data, err := component(slot)
	if err != nil {
		return shared.Fail(err)
	}
	if data == nil {
		return shared.Fail(fmt.Errorf("no component in slot %d", uint32(slot)))
	}
	if argOutput == "-" {
		_, err = os.Stdout.Write(data)
		return shared.Fail(err)
	}
	return shared.Fail(os.WriteFile(argOutput, data, 0o644))
}

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
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/csfoundry/coderep/lib/diskrep"
	"github.com/csfoundry/coderep/lib/machfile"
)

var (
	argArch     string
	argOffset   int64
	argFileOnly bool
)

// AddTargetFlags registers the flags that tune how a code path is classified.
func AddTargetFlags(cmd *cobra.Command) {
	addTargetFlags(cmd.Flags())
}

func addTargetFlags(fs *pflag.FlagSet) {
	fs.StringVar(&argArch, "arch", "", "Select an architecture slice of a universal binary")
	fs.Int64Var(&argOffset, "offset", 0, "Pin a Mach-O slice at an explicit file offset")
	fs.BoolVar(&argFileOnly, "file-only", false, "Treat directories as plain files, not bundles")
}

// TargetContext builds the dispatcher context from the target flags.
func TargetContext() (*diskrep.Context, error) {
	ctx := &diskrep.Context{Offset: argOffset, FileOnly: argFileOnly}
	if argArch != "" {
		arch, err := machfile.ParseArch(argArch)
		if err != nil {
			return nil, err
		}
		ctx.Arch = &arch
	}
	return ctx, nil
}

// OpenTarget classifies path with the target flags applied.
func OpenTarget(path string) (diskrep.DiskRep, error) {
	ctx, err := TargetContext()
	if err != nil {
		return nil, err
	}
	return diskrep.BestGuess(path, ctx)
}

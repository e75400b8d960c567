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

package inspect

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/csfoundry/coderep/cmdline/shared"
	"github.com/csfoundry/coderep/lib/codehost"
	"github.com/csfoundry/coderep/lib/diskrep"
)

var InspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the signing state of files, bundles, and binaries",
	RunE:  inspectCmd,
}

var argVerify bool

func init() {
	shared.RootCmd.AddCommand(InspectCmd)
	shared.AddTargetFlags(InspectCmd)
	InspectCmd.Flags().BoolVar(&argVerify, "verify", false, "Re-hash the signed region and compare against the code directory")
}

func inspectCmd(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errors.New("expected 1 or more files")
	}
	if err := shared.InitConfig(); err != nil {
		return shared.Fail(err)
	}
	rc := 0
	for _, path := range args {
		if err := inspectOne(cmd.Context(), path); err != nil {
			fmt.Printf("%s ERROR: %s\n", path, err)
			rc = 1
		}
	}
	if rc != 0 {
		os.Exit(rc)
	}
	return nil
}

func inspectOne(ctx context.Context, path string) error {
	rep, err := shared.OpenTarget(path)
	if err != nil {
		return err
	}
	// a configured detached store takes precedence over whatever the code
	// carries itself
	if dir := shared.CurrentConfig.DetachedDir(); dir != "" {
		sidecar := filepath.Join(dir, filepath.Base(path)+diskrep.SidecarSuffix)
		if raw, err := os.ReadFile(sidecar); err == nil {
			det, err := diskrep.NewDetachedRep(rep, raw)
			if err != nil {
				return fmt.Errorf("%s: %w", sidecar, err)
			}
			log.Debug().Str("sidecar", sidecar).Msg("using detached signature")
			rep = det
		}
	}
	static := codehost.NewStaticCode(rep)
	fmt.Printf("%s:\n", path)
	fmt.Printf("  format: %s\n", rep.Format())
	fmt.Printf("  executable: %s\n", rep.MainExecutablePath())
	if limit, err := rep.SigningLimit(); err == nil {
		fmt.Printf("  signed region: %d bytes at offset %d\n", limit, rep.SigningBase())
	}

	signed, err := static.IsSigned()
	if err != nil {
		return err
	}
	if !signed {
		fmt.Println("  signed: no")
		fmt.Printf("  suggested identifier: %s\n", shared.CurrentConfig.Identifier(rep.RecommendedIdentifier()))
		return nil
	}
	cd, err := static.CodeDirectory()
	if err != nil {
		return err
	}
	fmt.Println("  signed: yes")
	fmt.Printf("  identifier: %s\n", cd.SigningIdentity)
	if cd.TeamIdentifier != "" {
		fmt.Printf("  team: %s\n", cd.TeamIdentifier)
	}
	fmt.Printf("  cdhash: %s\n", hex.EncodeToString(cd.CDHash))
	fmt.Printf("  pages: %d of %d bytes\n", len(cd.CodeHashes), cd.PageSize())
	sig, err := static.Signature()
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("signature did not parse")
	} else if sig == nil {
		fmt.Println("  signature: ad hoc")
	} else {
		fmt.Printf("  signature: %d bytes\n", len(sig))
	}
	if argVerify {
		err := static.CheckValidity(ctx, codehost.FlagDefault, nil)
		var verr *codehost.ValidityError
		switch {
		case err == nil:
			fmt.Println("  validity: ok")
		case errors.As(err, &verr):
			fmt.Printf("  validity: FAILED (%s)\n", verr.Check)
			return err
		default:
			return err
		}
	}
	if format := rep.Format(); strings.HasPrefix(format, "Mach-O universal") {
		img, err := rep.MainExecutableImage()
		if err == nil && img != nil {
			names := make([]string, 0, len(img.Arches()))
			for _, arch := range img.Arches() {
				names = append(names, arch.String())
			}
			fmt.Printf("  architectures: %s\n", strings.Join(names, " "))
		}
	}
	return nil
}

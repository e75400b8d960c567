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

package codehost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/csfoundry/coderep/lib/blob"
	"github.com/csfoundry/coderep/lib/diskrep"
	"github.com/csfoundry/coderep/lib/sigerrors"
)

// Evaluator judges a static code against a requirement set. The
// representation layer hands over the signed identity and the encoded
// requirements; what counts as satisfying them is the evaluator's business.
type Evaluator interface {
	Evaluate(ctx context.Context, code *StaticCode, reqs diskrep.RequirementSet, flags Flags) error
}

// StaticCode is the identity of code at rest, wrapping the storage shape it
// lives in. The parsed code directory is cached on first use and dropped only
// by Flush, matching the caching discipline of the underlying representation.
type StaticCode struct {
	rep diskrep.DiskRep
	cd  *blob.CodeDirectory
}

// NewStaticCode wraps an already-resolved representation.
func NewStaticCode(rep diskrep.DiskRep) *StaticCode {
	return &StaticCode{rep: rep}
}

// NewStaticCodeAt resolves path through the storage-format dispatcher.
func NewStaticCodeAt(path string, ctx *diskrep.Context) (*StaticCode, error) {
	rep, err := diskrep.BestGuess(path, ctx)
	if err != nil {
		return nil, err
	}
	return NewStaticCode(rep), nil
}

// Rep exposes the underlying representation.
func (s *StaticCode) Rep() diskrep.DiskRep { return s.rep }

func (s *StaticCode) CanonicalPath() string { return s.rep.CanonicalPath() }

// IsSigned reports whether a code directory is present.
func (s *StaticCode) IsSigned() (bool, error) {
	return diskrep.IsSigned(s.rep)
}

// CodeDirectory parses and caches the code directory.
// Unsigned code yields a NotSignedError.
func (s *StaticCode) CodeDirectory() (*blob.CodeDirectory, error) {
	if s.cd != nil {
		return s.cd, nil
	}
	raw, err := diskrep.CodeDirectory(s.rep)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, sigerrors.NotSignedError{Type: s.rep.Format()}
	}
	cd, err := blob.ParseCodeDirectory(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing code directory of %s: %w", s.rep.CanonicalPath(), err)
	}
	s.cd = cd
	return cd, nil
}

// CDHash is the digest of the code directory, the canonical short identity of
// signed code.
func (s *StaticCode) CDHash() ([]byte, error) {
	cd, err := s.CodeDirectory()
	if err != nil {
		return nil, err
	}
	return cd.CDHash, nil
}

// Identifier is the signing identifier recorded in the code directory, or the
// representation's recommended default when unsigned.
func (s *StaticCode) Identifier() (string, error) {
	cd, err := s.CodeDirectory()
	if err != nil {
		var notSigned sigerrors.NotSignedError
		if errors.As(err, &notSigned) {
			return s.rep.RecommendedIdentifier(), nil
		}
		return "", err
	}
	return cd.SigningIdentity, nil
}

// Signature fetches the CMS signature normalized to DER, nil when the code is
// signed ad hoc.
func (s *StaticCode) Signature() ([]byte, error) {
	raw, err := diskrep.Signature(s.rep)
	if err != nil {
		return nil, err
	}
	return blob.NormalizeSignature(raw)
}

// Identification is the representation's correlation key; for signed code
// this is the CDHash.
func (s *StaticCode) Identification() ([]byte, error) {
	return s.rep.Identification()
}

// Flush drops every cache, here and in the representation.
func (s *StaticCode) Flush() error {
	s.cd = nil
	return s.rep.Flush()
}

// CheckValidity validates the static code: the code directory must parse,
// cover exactly the signed region, and match the region's content page by
// page. The evaluator, when present, then judges the signature and internal
// requirements. Every failure is a ValidityError naming the check.
func (s *StaticCode) CheckValidity(ctx context.Context, flags Flags, eval Evaluator) error {
	cd, err := s.CodeDirectory()
	if err != nil {
		var notSigned sigerrors.NotSignedError
		if errors.As(err, &notSigned) {
			if flags&FlagRequireSigned != 0 || eval != nil {
				return &ValidityError{Check: "signed", Err: err}
			}
			return nil
		}
		return &ValidityError{Check: "code directory", Err: err}
	}
	if err := s.validateCoverage(cd); err != nil {
		return err
	}
	if err := s.validatePages(ctx, cd); err != nil {
		return err
	}
	if eval != nil {
		if _, err := s.Signature(); err != nil {
			return &ValidityError{Check: "signature", Err: err}
		}
		reqs, err := s.rep.Component(blob.SlotRequirements)
		if err != nil {
			return &ValidityError{Check: "requirements", Err: err}
		}
		if err := eval.Evaluate(ctx, s, diskrep.RequirementSet(reqs), flags); err != nil {
			return &ValidityError{Check: "requirement evaluation", Err: err}
		}
	}
	return nil
}

// validateCoverage checks that the directory claims exactly the signed region
// the representation reports.
func (s *StaticCode) validateCoverage(cd *blob.CodeDirectory) error {
	limit, err := s.rep.SigningLimit()
	if err != nil {
		return &ValidityError{Check: "signing limit", Err: err}
	}
	if int64(cd.Header.CodeLimit) != limit {
		return &ValidityError{
			Check: "code limit",
			Err:   fmt.Errorf("directory covers %d bytes but signed region is %d", cd.Header.CodeLimit, limit),
		}
	}
	return nil
}

// validatePages re-hashes the signed region and compares against the
// directory's code slots.
func (s *StaticCode) validatePages(ctx context.Context, cd *blob.CodeDirectory) error {
	f, err := s.rep.FD()
	if err != nil {
		return &ValidityError{Check: "code pages", Err: err}
	}
	limit := int64(cd.Header.CodeLimit)
	pages := io.NewSectionReader(f, s.rep.SigningBase(), limit)
	pageSize := cd.PageSize()
	buf := make([]byte, pageMax(pageSize, limit))
	var done int64
	for i, want := range cd.CodeHashes {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := int64(len(buf))
		if remain := limit - done; remain < n {
			n = remain
		}
		if _, err := io.ReadFull(pages, buf[:n]); err != nil {
			return &ValidityError{Check: "code pages", Err: err}
		}
		h := cd.HashFunc.New()
		h.Write(buf[:n])
		if !bytes.Equal(h.Sum(nil), want) {
			return &ValidityError{
				Check: "code pages",
				Err:   fmt.Errorf("page %d does not match its directory hash", i),
			}
		}
		done += n
	}
	if done != limit {
		return &ValidityError{
			Check: "code pages",
			Err:   fmt.Errorf("directory hashes cover %d of %d bytes", done, limit),
		}
	}
	return nil
}

func pageMax(pageSize, limit int64) int64 {
	if pageSize == 0 || pageSize > limit {
		return limit
	}
	return pageSize
}

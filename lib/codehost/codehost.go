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

// Package codehost models running code as a hierarchy: a host is
// responsible for locating and reporting on the guests it runs (plugins,
// sandboxed helpers), without the guests knowing they are hosted. Each node
// maps to a static, on-disk counterpart exactly once; callers wanting a
// fresh view locate a new node rather than refreshing an old one.
package codehost

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoSuchGuest reports that a host has no guest matching the given
	// attributes.
	ErrNoSuchGuest = errors.New("host has no guest with the requested attributes")
	// ErrAmbiguousGuest reports that multiple guests matched.
	ErrAmbiguousGuest = errors.New("multiple guests match the requested attributes")
	// ErrNotAHost reports a guest operation on code that hosts nothing.
	ErrNotAHost = errors.New("code is not a host")
	// ErrUnrelatedGuest reports that the given code is not a guest of the
	// given host.
	ErrUnrelatedGuest = errors.New("code is not a guest of this host")
	// ErrHostCycle reports that resolving a host chain would loop.
	ErrHostCycle = errors.New("host chain forms a cycle")
	// ErrNoStaticCode reports code with no on-disk representation, such as
	// the system root.
	ErrNoStaticCode = errors.New("code has no on-disk representation")
)

// maxHostDepth bounds every host-chain walk; the hosting topology is shallow
// in practice and anything deeper indicates a corrupted graph.
const maxHostDepth = 64

// ValidityError reports which validation check failed, so policy layers can
// decide how to treat the failure.
type ValidityError struct {
	Check string
	Err   error
}

func (e *ValidityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code failed validation (%s): %s", e.Check, e.Err)
	}
	return fmt.Sprintf("code failed validation (%s)", e.Check)
}

func (e *ValidityError) Unwrap() error { return e.Err }

// Flags adjust validation behavior.
type Flags uint32

const (
	FlagDefault Flags = 0
	// FlagRequireSigned makes unsigned code a validation failure even when
	// no evaluator is supplied.
	FlagRequireSigned Flags = 1 << iota
)

// GuestStatus is a bitmask of host-observed facts about a guest. Zero means
// no special status.
type GuestStatus uint32

const (
	// StatusValid: the host currently considers the guest valid.
	StatusValid GuestStatus = 1 << iota
	// StatusIdentityChanged: the guest's identity changed since the host
	// last checked; validation must fail.
	StatusIdentityChanged
)

// Attributes is a kind-specific guest lookup key set.
type Attributes map[string]interface{}

// Well-known attribute keys.
const (
	AttrPID       = "pid"       // process identifier
	AttrCanonical = "canonical" // canonical path of the guest's code
	AttrGuestID   = "guest-id"  // registry-assigned instance token
)

// match reports whether every requested key is present with an equal value.
func (a Attributes) match(request Attributes) bool {
	for k, v := range request {
		if a[k] != v {
			return false
		}
	}
	return true
}

// Delegate implements the kind-specific behavior of a Code node: how it
// finds its static representation and how it deals with its guests.
type Delegate interface {
	// GetStaticCode locates the on-disk counterpart of c.
	GetStaticCode(c *Code) (*StaticCode, error)
	// LocateGuest finds the guest of c matching attrs, ErrNoSuchGuest if
	// none, ErrNotAHost if c hosts nothing.
	LocateGuest(c *Code, attrs Attributes) (*Code, error)
	// MapGuestToStatic resolves a guest's static code as seen by its host,
	// which may report a narrower identity than the guest claims.
	MapGuestToStatic(host, guest *Code) (*StaticCode, error)
	// GuestStatus reports host-observed status flags for a guest.
	GuestStatus(host, guest *Code) (GuestStatus, error)
}

// Code is one node of the hosting hierarchy. A node without a host is the
// root. The static-code counterpart is resolved once and cached for the
// node's lifetime; nodes are not internally synchronized.
type Code struct {
	host     *Code
	delegate Delegate
	static   *StaticCode
}

// New creates a node hosted by host (nil for the root). The host chain is
// checked for cycles and bounded depth before the node is linked in.
func New(host *Code, delegate Delegate) (*Code, error) {
	if err := checkChain(host); err != nil {
		return nil, err
	}
	return &Code{host: host, delegate: delegate}, nil
}

func checkChain(host *Code) error {
	seen := make(map[*Code]bool)
	n := 0
	for h := host; h != nil; h = h.host {
		if seen[h] {
			return ErrHostCycle
		}
		seen[h] = true
		if n++; n >= maxHostDepth {
			return ErrHostCycle
		}
	}
	return nil
}

func (c *Code) Host() *Code  { return c.host }
func (c *Code) IsRoot() bool { return c.host == nil }

// Depth is the length of the host chain above this node.
func (c *Code) Depth() int {
	n := 0
	for h := c.host; h != nil; h = h.host {
		n++
	}
	return n
}

// StaticCode resolves and caches this node's on-disk counterpart. The cached
// result lives as long as the node and is never recomputed.
func (c *Code) StaticCode() (*StaticCode, error) {
	if c.static != nil {
		return c.static, nil
	}
	static, err := c.delegate.GetStaticCode(c)
	if err != nil {
		return nil, err
	}
	c.static = static
	return static, nil
}

// LocateGuest finds this node's guest matching attrs.
func (c *Code) LocateGuest(attrs Attributes) (*Code, error) {
	return c.delegate.LocateGuest(c, attrs)
}

// MapGuestToStatic resolves guest's static code as this host sees it.
func (c *Code) MapGuestToStatic(guest *Code) (*StaticCode, error) {
	if guest == nil || guest.host != c {
		return nil, ErrUnrelatedGuest
	}
	return c.delegate.MapGuestToStatic(c, guest)
}

// GuestStatus reports this host's view of guest.
func (c *Code) GuestStatus(guest *Code) (GuestStatus, error) {
	if guest == nil || guest.host != c {
		return 0, ErrUnrelatedGuest
	}
	return c.delegate.GuestStatus(c, guest)
}

// CheckValidity validates this code's current static state against its
// signed identity: the host's view of the guest first, then the static
// code's own structural and delegated checks. A nil evaluator skips the
// cryptographic and requirement checks, which belong to the evaluator
// collaborator.
func (c *Code) CheckValidity(ctx context.Context, flags Flags, eval Evaluator) error {
	if c.host != nil {
		status, err := c.host.GuestStatus(c)
		if err != nil {
			return err
		}
		if status&StatusIdentityChanged != 0 {
			return &ValidityError{Check: "guest identity"}
		}
	}
	static, err := c.StaticCode()
	if err != nil {
		return err
	}
	return static.CheckValidity(ctx, flags, eval)
}

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
	"sync"

	"github.com/google/uuid"

	"github.com/csfoundry/coderep/lib/diskrep"
)

// GuestInfo describes a guest at registration time.
type GuestInfo struct {
	// Attributes are the lookup keys the guest answers to. The registry adds
	// AttrGuestID itself.
	Attributes Attributes
	// Path locates the guest's code on disk.
	Path string
	// Context tunes how Path is interpreted by the dispatcher.
	Context *diskrep.Context
	// HostReportedPath, when set, is the narrower identity the host reports
	// for the guest, overriding what the guest would claim for itself.
	HostReportedPath string
	// Status is the host's initial view of the guest.
	Status GuestStatus
}

type registration struct {
	token string
	code  *Code
	info  GuestInfo
}

// Registry is an in-process hosting registry. Its root node anchors the
// hierarchy; hosts that do not speak for themselves register their guests
// here and the registry answers guest lookups on their behalf.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	root    *Code
	byCode  map[*Code]*registration
	byHost  map[*Code][]*registration
	byToken map[string]*registration
}

// NewRegistry creates a registry with a fresh root node. The root has no
// on-disk representation; its StaticCode reports ErrNoStaticCode.
func NewRegistry() *Registry {
	r := &Registry{
		byCode:  make(map[*Code]*registration),
		byHost:  make(map[*Code][]*registration),
		byToken: make(map[string]*registration),
	}
	r.root = &Code{delegate: (*registryDelegate)(r)}
	return r
}

// Root returns the hierarchy's root node.
func (r *Registry) Root() *Code { return r.root }

// Register records a guest under host (nil means the root) and returns its
// node. The guest receives a unique instance token under AttrGuestID.
func (r *Registry) Register(host *Code, info GuestInfo) (*Code, error) {
	if host == nil {
		host = r.root
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if host != r.root && r.byCode[host] == nil {
		return nil, ErrUnrelatedGuest
	}
	code, err := New(host, (*registryDelegate)(r))
	if err != nil {
		return nil, err
	}
	reg := &registration{
		token: uuid.NewString(),
		code:  code,
		info:  info,
	}
	reg.info.Attributes = make(Attributes, len(info.Attributes)+1)
	for k, v := range info.Attributes {
		reg.info.Attributes[k] = v
	}
	reg.info.Attributes[AttrGuestID] = reg.token
	r.byCode[code] = reg
	r.byHost[host] = append(r.byHost[host], reg)
	r.byToken[reg.token] = reg
	return code, nil
}

// Unregister removes a guest and its whole subtree.
func (r *Registry) Unregister(code *Code) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := r.byCode[code]
	if reg == nil {
		return ErrNoSuchGuest
	}
	r.remove(reg)
	host := code.Host()
	kept := r.byHost[host][:0]
	for _, sib := range r.byHost[host] {
		if sib != reg {
			kept = append(kept, sib)
		}
	}
	r.byHost[host] = kept
	return nil
}

func (r *Registry) remove(reg *registration) {
	for _, child := range r.byHost[reg.code] {
		r.remove(child)
	}
	delete(r.byHost, reg.code)
	delete(r.byCode, reg.code)
	delete(r.byToken, reg.token)
}

// Token returns the instance token assigned to a registered guest.
func (r *Registry) Token(code *Code) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := r.byCode[code]
	if reg == nil {
		return "", ErrNoSuchGuest
	}
	return reg.token, nil
}

// SetGuestStatus updates the host-observed status of a registered guest.
func (r *Registry) SetGuestStatus(code *Code, status GuestStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := r.byCode[code]
	if reg == nil {
		return ErrNoSuchGuest
	}
	reg.info.Status = status
	return nil
}

// AutoLocateGuest searches the whole hierarchy for a guest matching attrs,
// walking down from the root level by level. The walk is bounded by
// maxHostDepth; exhausting the tree yields ErrNoSuchGuest.
func (r *Registry) AutoLocateGuest(attrs Attributes, flags Flags) (*Code, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	level := []*Code{r.root}
	for depth := 0; len(level) > 0 && depth < maxHostDepth; depth++ {
		var next []*Code
		for _, host := range level {
			if code, err := r.locateGuest(host, attrs); err == nil {
				return code, nil
			} else if err != ErrNoSuchGuest && err != ErrNotAHost {
				return nil, err
			}
			for _, reg := range r.byHost[host] {
				next = append(next, reg.code)
			}
		}
		level = next
	}
	return nil, ErrNoSuchGuest
}

// locateGuest answers a single-level lookup; callers hold r.mu.
func (r *Registry) locateGuest(host *Code, attrs Attributes) (*Code, error) {
	regs := r.byHost[host]
	if len(regs) == 0 {
		return nil, ErrNotAHost
	}
	var found *Code
	for _, reg := range regs {
		if reg.info.Attributes.match(attrs) {
			if found != nil {
				return nil, ErrAmbiguousGuest
			}
			found = reg.code
		}
	}
	if found == nil {
		return nil, ErrNoSuchGuest
	}
	return found, nil
}

// registryDelegate adapts the registry to the per-node Delegate contract.
type registryDelegate Registry

func (d *registryDelegate) reg() *Registry { return (*Registry)(d) }

func (d *registryDelegate) GetStaticCode(c *Code) (*StaticCode, error) {
	r := d.reg()
	r.mu.Lock()
	reg := r.byCode[c]
	r.mu.Unlock()
	if reg == nil {
		return nil, ErrNoStaticCode
	}
	return NewStaticCodeAt(reg.info.Path, reg.info.Context)
}

func (d *registryDelegate) LocateGuest(c *Code, attrs Attributes) (*Code, error) {
	r := d.reg()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locateGuest(c, attrs)
}

func (d *registryDelegate) MapGuestToStatic(host, guest *Code) (*StaticCode, error) {
	r := d.reg()
	r.mu.Lock()
	reg := r.byCode[guest]
	r.mu.Unlock()
	if reg == nil {
		return nil, ErrNoSuchGuest
	}
	if reg.info.HostReportedPath != "" {
		return NewStaticCodeAt(reg.info.HostReportedPath, reg.info.Context)
	}
	return guest.StaticCode()
}

func (d *registryDelegate) GuestStatus(host, guest *Code) (GuestStatus, error) {
	r := d.reg()
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := r.byCode[guest]
	if reg == nil {
		return 0, ErrNoSuchGuest
	}
	return reg.info.Status, nil
}

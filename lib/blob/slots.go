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

// Package blob reads and writes code-signature superblobs: the indexed
// containers that hold a code directory, requirement sets, entitlements, and
// the CMS signature wrapper. Component payloads are treated as opaque; their
// inner encodings belong to the collaborators that produce and verify them.
package blob

import "fmt"

// Magic numbers for signature blobs.
type Magic uint32

const (
	MagicEmbeddedSignature Magic = 0xfade0cc0
	MagicDetachedSignature Magic = 0xfade0cc1

	MagicRequirement    Magic = 0xfade0c00
	MagicRequirements   Magic = 0xfade0c01
	MagicCodeDirectory  Magic = 0xfade0c02
	MagicEntitlement    Magic = 0xfade7171
	MagicEntitlementDER Magic = 0xfade7172
	MagicBlobWrapper    Magic = 0xfade0b01
)

// Slot identifies a component within a signature. Values follow
// codedirectory.h: small positive numbers are "special" hash slots sealed by
// the code directory, the high ranges hold components that live outside it.
type Slot uint32

const (
	SlotCodeDirectory  Slot = 0
	SlotInfo           Slot = 1
	SlotRequirements   Slot = 2
	SlotResourceDir    Slot = 3
	SlotTopDirectory   Slot = 4
	SlotEntitlement    Slot = 5
	SlotRepSpecific    Slot = 6
	SlotEntitlementDER Slot = 7

	SlotAlternateCodeDirectories Slot = 0x1000
	alternateCodeDirectoryCount       = 6

	SlotSignature      Slot = 0x10000
	SlotIdentification Slot = 0x10001
	SlotTicket         Slot = 0x10002
)

// blob magic implied by a slot when a bare payload is wrapped for storage
var slotMagics = map[Slot]Magic{
	SlotRequirements:   MagicRequirements,
	SlotEntitlement:    MagicEntitlement,
	SlotEntitlementDER: MagicEntitlementDER,
	SlotSignature:      MagicBlobWrapper,
}

func (s Slot) String() string {
	switch s {
	case SlotCodeDirectory:
		return "code directory"
	case SlotInfo:
		return "info manifest"
	case SlotRequirements:
		return "requirements"
	case SlotResourceDir:
		return "resource directory"
	case SlotTopDirectory:
		return "top directory"
	case SlotEntitlement:
		return "entitlement"
	case SlotRepSpecific:
		return "rep-specific"
	case SlotEntitlementDER:
		return "entitlement (DER)"
	case SlotSignature:
		return "signature"
	case SlotIdentification:
		return "identification"
	case SlotTicket:
		return "ticket"
	}
	if s.IsAlternateCodeDirectory() {
		return fmt.Sprintf("alternate code directory #%d", s-SlotAlternateCodeDirectories)
	}
	return fmt.Sprintf("slot %#x", uint32(s))
}

func (s Slot) IsAlternateCodeDirectory() bool {
	return s >= SlotAlternateCodeDirectories && s < SlotAlternateCodeDirectories+alternateCodeDirectoryCount
}

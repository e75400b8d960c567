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

package diskrep

import "github.com/csfoundry/coderep/lib/blob"

// WriterAttrs describes a writer's storage quirks. Defaults are off-bits.
type WriterAttrs uint32

const (
	// WriterLastResort marks a writer that prefers not to store signing data
	// itself; the driver uses it only when nothing better exists.
	WriterLastResort WriterAttrs = 0x0001
	// WriterNoGlobal marks storage that is strictly per-architecture, with
	// no place for shared components.
	WriterNoGlobal WriterAttrs = 0x0002
)

// Writer places signing components back into (or alongside) a
// representation's storage. Writers are transient: created just before a
// signing pass, flushed once, then discarded. After Flush the owning
// representation's caches must be flushed before it is read again.
type Writer interface {
	// WriteComponent stages data for a slot. Staged data is not visible to
	// readers until Flush.
	WriteComponent(slot blob.Slot, data []byte) error
	Attributes() WriterAttrs
	// AddDiscretionary offers components recovered from an existing
	// signature to the builder. Default is a no-op.
	AddDiscretionary(b CodeDirBuilder) error
	// Remove strips existing signing data instead of writing.
	Remove() error
	// Flush commits all staged writes.
	Flush() error
}

// WriteSignature stages the CMS signature component.
func WriteSignature(w Writer, data []byte) error {
	return w.WriteComponent(blob.SlotSignature, data)
}

// WriteCodeDirectory stages the code directory component.
func WriteCodeDirectory(w Writer, data []byte) error {
	return w.WriteComponent(blob.SlotCodeDirectory, data)
}

// baseWriter carries the attribute bits and the no-op defaults.
type baseWriter struct {
	attrs WriterAttrs
}

func (w baseWriter) Attributes() WriterAttrs               { return w.attrs }
func (w baseWriter) AddDiscretionary(CodeDirBuilder) error { return nil }

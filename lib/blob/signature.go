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

package blob

import (
	ber "github.com/go-asn1-ber/asn1-ber"
)

// NormalizeSignature unwraps a signature component and re-encodes its CMS
// payload as DER. Signatures are commonly written with BER indefinite-length
// content, which strict DER parsers reject; external verifiers get the
// normalized form. An absent or empty wrapper yields nil with no error.
func NormalizeSignature(component []byte) ([]byte, error) {
	if len(component) <= 8 {
		return nil, nil
	}
	pkt, err := ber.DecodePacketErr(component[8:])
	if err != nil {
		return nil, err
	}
	return pkt.Bytes(), nil
}

// Copyright © CS Foundry, Inc.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sigerrors holds error types shared between the representation
// layer and its consumers.
package sigerrors

import "fmt"

// NotSignedError reports that a signature container was located but holds no
// signature. Callers distinguish this from I/O and format failures.
type NotSignedError struct {
	Type string
}

func (e NotSignedError) Error() string {
	return fmt.Sprintf("%s is not signed", e.Type)
}

// Copyright (c) 2014 The SurgeMQ Authors. All rights reserved.
//
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
package auth

type mockAuthenticator bool

var _ Authenticator = (*mockAuthenticator)(nil)

var (
	mockSuccessAuthenticator mockAuthenticator = true
	mockFailureAuthenticator mockAuthenticator = false
)

func init() {
	Register("mockSuccess", mockSuccessAuthenticator)
	Register("mockFailure", mockFailureAuthenticator)
}

func (this mockAuthenticator) Authenticate(login, passcode string) error {
	if this {
		return nil
	}

	return ErrAuthFailure
}

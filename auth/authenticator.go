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
// Package auth checks the login and passcode headers of a CONNECT frame. Checks are
// done by named providers, registered once at init time and selected by name.
package auth

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrAuthFailure          = errors.New("auth: Authentication failure")
	ErrAuthProviderNotFound = errors.New("auth: Authentication provider not found")

	providers = make(map[string]Authenticator)
)

type Authenticator interface {
	Authenticate(login, passcode string) error
}

func Register(name string, provider Authenticator) {
	if provider == nil {
		panic("auth: Register provide is nil")
	}

	if _, dup := providers[name]; dup {
		panic("auth: Register called twice for provider " + name)
	}

	providers[name] = provider
}

func Unregister(name string) {
	delete(providers, name)
}

// Providers returns the names of the registered providers.
func Providers() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}

	return names
}

type Manager struct {
	name string
	p    Authenticator
}

func NewManager(providerName string) (*Manager, error) {
	p, ok := providers[providerName]
	if !ok {
		return nil, errors.Wrap(ErrAuthProviderNotFound, fmt.Sprintf("unknown provider %q", providerName))
	}

	return &Manager{name: providerName, p: p}, nil
}

func (this *Manager) Name() string {
	return this.name
}

// Authenticate returns nil if login and passcode are accepted. Any rejection is
// reported as ErrAuthFailure.
func (this *Manager) Authenticate(login, passcode string) error {
	if err := this.p.Authenticate(login, passcode); err != nil {
		if errors.Cause(err) == ErrAuthFailure {
			return err
		}
		return errors.Wrap(ErrAuthFailure, err.Error())
	}

	return nil
}

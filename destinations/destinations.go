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

// Package destinations keeps the broker side subscription table. A destination is an
// opaque string such as "/queue/a". Each destination has at most one subscriber, and a
// subscriber is the pair of a session and the subscription id that session picked.
//
// Tables are created through providers. The "mem" provider is registered by default.
package destinations

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidSubscription = errors.New("destinations: Invalid subscription")
	ErrUnknownSubscription = errors.New("destinations: Unknown subscription")

	providers = make(map[string]Provider)
)

// Subscriber identifies one subscription of one session.
type Subscriber struct {
	Session string
	ID      string
}

func (this Subscriber) String() string {
	return this.Session + "/" + this.ID
}

type Destinations interface {
	// Subscribe binds sub to destination. Any previous subscriber of destination and
	// any previous destination of sub are forgotten.
	Subscribe(destination string, sub Subscriber) error

	// Unsubscribe removes sub and returns the destination it was bound to.
	Unsubscribe(sub Subscriber) (string, error)

	// Subscriber returns the current subscriber of destination.
	Subscriber(destination string) (Subscriber, bool)

	// Destination returns the destination sub is bound to.
	Destination(sub Subscriber) (string, bool)

	// Drop removes every subscription of session and returns how many were removed.
	Drop(session string) int
}

// Provider creates an empty table.
type Provider func() Destinations

func Register(name string, provider Provider) {
	if provider == nil {
		panic("destinations: Register provider is nil")
	}

	if _, dup := providers[name]; dup {
		panic("destinations: Register called twice for provider " + name)
	}

	providers[name] = provider
}

func Unregister(name string) {
	delete(providers, name)
}

type Manager struct {
	p Destinations
}

var _ Destinations = (*Manager)(nil)

// NewManager creates a Manager over a new table from the named provider.
func NewManager(providerName string) (*Manager, error) {
	newfn, ok := providers[providerName]
	if !ok {
		return nil, fmt.Errorf("destinations: unknown provider %q", providerName)
	}

	return &Manager{p: newfn()}, nil
}

func (this *Manager) Subscribe(destination string, sub Subscriber) error {
	if destination == "" || sub.ID == "" {
		return errors.Wrapf(ErrInvalidSubscription, "destination %q, subscriber %s", destination, sub)
	}

	return this.p.Subscribe(destination, sub)
}

func (this *Manager) Unsubscribe(sub Subscriber) (string, error) {
	return this.p.Unsubscribe(sub)
}

func (this *Manager) Subscriber(destination string) (Subscriber, bool) {
	return this.p.Subscriber(destination)
}

func (this *Manager) Destination(sub Subscriber) (string, bool) {
	return this.p.Destination(sub)
}

func (this *Manager) Drop(session string) int {
	return this.p.Drop(session)
}

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

package destinations

import (
	"sync"

	"github.com/pkg/errors"
)

func init() {
	Register("mem", NewMemDestinations)
}

type memDestinations struct {
	mu sync.RWMutex

	// destination -> subscriber
	subs map[string]Subscriber

	// subscriber -> destination
	dests map[Subscriber]string
}

var _ Destinations = (*memDestinations)(nil)

func NewMemDestinations() Destinations {
	return &memDestinations{
		subs:  make(map[string]Subscriber),
		dests: make(map[Subscriber]string),
	}
}

func (this *memDestinations) Subscribe(destination string, sub Subscriber) error {
	this.mu.Lock()
	defer this.mu.Unlock()

	if old, ok := this.dests[sub]; ok {
		this.unbind(old, sub)
	}

	if prev, ok := this.subs[destination]; ok {
		this.unbind(destination, prev)
	}

	this.subs[destination] = sub
	this.dests[sub] = destination

	return nil
}

func (this *memDestinations) Unsubscribe(sub Subscriber) (string, error) {
	this.mu.Lock()
	defer this.mu.Unlock()

	destination, ok := this.dests[sub]
	if !ok {
		return "", errors.Wrapf(ErrUnknownSubscription, "subscriber %s", sub)
	}

	this.unbind(destination, sub)

	return destination, nil
}

func (this *memDestinations) Subscriber(destination string) (Subscriber, bool) {
	this.mu.RLock()
	defer this.mu.RUnlock()

	sub, ok := this.subs[destination]
	return sub, ok
}

func (this *memDestinations) Destination(sub Subscriber) (string, bool) {
	this.mu.RLock()
	defer this.mu.RUnlock()

	destination, ok := this.dests[sub]
	return destination, ok
}

func (this *memDestinations) Drop(session string) int {
	this.mu.Lock()
	defer this.mu.Unlock()

	n := 0
	for sub, destination := range this.dests {
		if sub.Session == session {
			this.unbind(destination, sub)
			n++
		}
	}

	return n
}

// unbind must be called with the lock held.
func (this *memDestinations) unbind(destination string, sub Subscriber) {
	if cur, ok := this.subs[destination]; ok && cur == sub {
		delete(this.subs, destination)
	}

	if cur, ok := this.dests[sub]; ok && cur == destination {
		delete(this.dests, sub)
	}
}

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
package service

import (
	"sync/atomic"
	"time"

	"github.com/surgemq/surgestomp/frame"
	"go.uber.org/zap"
)

// The heartbeat timer is armed after every write and stopped before every write that
// is not itself a heartbeat, so a heartbeat only goes out after sendDelay
// milliseconds without traffic. Both must be called with wmu held.

func (this *service) stopHeartBeat() {
	if this.hbTimer != nil {
		this.hbTimer.Stop()
		this.hbTimer = nil
	}
}

func (this *service) armHeartBeat() {
	if this.sendDelay <= 0 || this.isClosed() {
		return
	}

	this.stopHeartBeat()
	this.hbTimer = time.AfterFunc(time.Duration(this.sendDelay)*time.Millisecond, this.sendHeartBeat)
}

func (this *service) sendHeartBeat() {
	if err := this.writeFrame(frame.NewHeartBeat()); err != nil {
		this.log.Debug("Error sending heartbeat", zap.Error(err))
	}
}

func (this *service) heartBeatReceived() {
	atomic.StoreInt64(&this.lastHeartBeat, time.Now().UnixNano())
}

// lastHeartBeatTime returns when the peer last sent a heartbeat, or the zero Time.
func (this *service) lastHeartBeatTime() time.Time {
	ns := atomic.LoadInt64(&this.lastHeartBeat)
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, ns)
}

/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package rtnet carries the sentinel errors shared by every layer of the
// real-time networking stack (buffer pool, device registry, RTmac/TDMA,
// RTcfg, the RPC control transport) so callers can use errors.Is instead of
// comparing subsystem-specific types.
package rtnet

import "errors"

// Sentinel errors, one per class named in the control-surface error table.
var (
	ErrNoDev       = errors.New("rtnet: no such device")
	ErrBusy        = errors.New("rtnet: resource busy")
	ErrNoMem       = errors.New("rtnet: out of memory")
	ErrNoBufs      = errors.New("rtnet: no free buffer")
	ErrAgain       = errors.New("rtnet: transmit ring full, try again")
	ErrNetDown     = errors.New("rtnet: device not up")
	ErrStage1Size  = errors.New("rtnet: stage-1 payload exceeds MTU")
	ErrNoSpace     = errors.New("rtnet: caller buffer too small")
	ErrFault       = errors.New("rtnet: bad pointer/argument")
	ErrRestartSys  = errors.New("rtnet: interrupted, restart the call")
	ErrMsgTooLong  = errors.New("rtnet: message exceeds slot MTU")
	ErrBadState    = errors.New("rtnet: operation invalid in current state")
	ErrMalformed   = errors.New("rtnet: malformed frame")
	ErrUnknownDisc = errors.New("rtnet: unknown discipline")
)

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

package rtnet

// EtherType values the stack registers with rtdev.Dispatcher at daemon
// start: ETH_RTMAC carries RTmac/TDMA frames, ETH_RTCFG carries RTcfg
// configuration-distribution frames. Both sit in the
// experimental/locally-administered EtherType range.
const (
	EtherRTMAC uint16 = 0x9021
	EtherRTCfg uint16 = 0x9022
)

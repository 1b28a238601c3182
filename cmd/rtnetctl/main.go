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

// Command rtnetctl is the administrative client for rtnetd, dialing its
// rtioctl control socket to bring devices up and down, provision RTcfg
// server/client roles, and print TDMA slot status. One process per
// invocation.
package main

import (
	"github.com/rtnetgo/rtnet/cmd/rtnetctl/cmd"
)

func main() {
	cmd.Execute()
}

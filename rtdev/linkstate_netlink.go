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

package rtdev

import (
	"net"

	"github.com/jsimonetti/rtnetlink/rtnl"
	"github.com/pkg/errors"
)

// QueryLinkState reads the kernel's view of the named interface (hardware
// address, MTU, up/down) over rtnetlink, so Registry.Register can be
// seeded from a real link instead of purely administratively-supplied
// values. Used by rtnetd's device bring-up for a configured device with
// no hwaddr; never called from a real-time path.
func QueryLinkState(name string) (hwAddr net.HardwareAddr, mtu int, up bool, err error) {
	conn, err := rtnl.Dial(nil)
	if err != nil {
		return nil, 0, false, errors.Wrap(err, "can't establish netlink connection")
	}
	defer conn.Close()

	links, err := conn.Links()
	if err != nil {
		return nil, 0, false, errors.Wrap(err, "can't list links")
	}
	for _, l := range links {
		if l.Name != name {
			continue
		}
		return l.HardwareAddr, l.MTU, l.Flags&net.FlagUp != 0, nil
	}
	return nil, 0, false, errNoSuchLink(name)
}

type linkNotFoundError string

func (e linkNotFoundError) Error() string { return "rtdev: no such link: " + string(e) }

func errNoSuchLink(name string) error { return linkNotFoundError(name) }

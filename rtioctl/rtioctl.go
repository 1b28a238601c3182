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

// Package rtioctl is the administrative control surface: a
// Unix-domain-socket request/response protocol carrying the
// CORE/RTCFG/RTMAC_TDMA request families, each framed as a
// length-prefixed, big-endian header. The daemon registers one Handler
// per request code; state-changing handlers post onto its
// rtrpc.Dispatcher, blocking waits run on the connection goroutine.
package rtioctl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	rtnet "github.com/rtnetgo/rtnet"
)

// ReqCode identifies one request; the high nibble names the subsystem
// it routes to and the low bits name the operation within it.
type ReqCode uint16

// Subsystem nibbles.
const (
	subsysCore  ReqCode = 0x1000
	subsysRTcfg ReqCode = 0x2000
	subsysTDMA  ReqCode = 0x3000
)

// Request codes.
const (
	ReqIfUp     = subsysCore | 1
	ReqIfDown   = subsysCore | 2
	ReqIfInfo   = subsysCore | 3
	ReqIfAttach = subsysCore | 4 // attach a named discipline, ambient extension

	ReqRTcfgServer   = subsysRTcfg | 1
	ReqRTcfgAddIP    = subsysRTcfg | 2
	ReqRTcfgAddMAC   = subsysRTcfg | 3
	ReqRTcfgAddIPMAC = subsysRTcfg | 4
	ReqRTcfgWait     = subsysRTcfg | 5
	ReqRTcfgClient   = subsysRTcfg | 6
	ReqRTcfgAnnounce = subsysRTcfg | 7
	ReqRTcfgReady    = subsysRTcfg | 8

	ReqTDMAAddSlot = subsysTDMA | 1
	ReqTDMASlots   = subsysTDMA | 2
)

// subsystem extracts the high nibble a request code is routed on.
func subsystem(code ReqCode) ReqCode { return code & 0xF000 }

// nodevParam is set on requests that don't name an interface. None are
// defined yet, but the bit is reserved so a future request can opt out
// of the interface-name header.
const nodevParam uint16 = 0x8000

// ifNameSize is the size of the interface-name header every request
// carries.
const ifNameSize = 16

// Header is the fixed 16-byte interface-name prefix every request
// carries.
type Header struct {
	IfName [ifNameSize]byte
}

// SetIfName copies name into the fixed-size field, truncating if needed.
func (h *Header) SetIfName(name string) {
	var buf [ifNameSize]byte
	copy(buf[:], name)
	h.IfName = buf
}

// Name returns the interface name as a Go string, trimmed at the first
// NUL.
func (h *Header) Name() string {
	n := bytes.IndexByte(h.IfName[:], 0)
	if n < 0 {
		n = ifNameSize
	}
	return string(h.IfName[:n])
}

// frameHead is the wire framing for one request or response: a
// request/response code, a status (0 = ok, nonzero = errno-equivalent),
// and a payload length.
type frameHead struct {
	Code   uint16
	Status uint16
	Length uint32
}

// errCodes maps sentinel errors to small wire codes, in each direction.
var errCodes = []error{
	nil,
	rtnet.ErrNoDev,
	rtnet.ErrBusy,
	rtnet.ErrNoMem,
	rtnet.ErrNoBufs,
	rtnet.ErrAgain,
	rtnet.ErrNetDown,
	rtnet.ErrStage1Size,
	rtnet.ErrNoSpace,
	rtnet.ErrFault,
	rtnet.ErrRestartSys,
}

func errCode(err error) uint16 {
	for i, e := range errCodes {
		if i == 0 {
			continue
		}
		if errors.Is(err, e) {
			return uint16(i)
		}
	}
	if err != nil {
		return uint16(len(errCodes)) // generic failure
	}
	return 0
}

func errFromCode(code uint16) error {
	if int(code) < len(errCodes) {
		return errCodes[code]
	}
	return errors.New("rtioctl: request failed")
}

// writeFrame writes one length-prefixed frame: frameHead followed by
// payload, big-endian throughout.
func writeFrame(w io.Writer, code uint16, status uint16, payload []byte) error {
	fh := frameHead{Code: code, Status: status, Length: uint32(len(payload))}
	if err := binary.Write(w, binary.BigEndian, &fh); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame written by writeFrame.
func readFrame(r io.Reader) (code, status uint16, payload []byte, err error) {
	var fh frameHead
	if err = binary.Read(r, binary.BigEndian, &fh); err != nil {
		return 0, 0, nil, err
	}
	payload = make([]byte, fh.Length)
	if fh.Length > 0 {
		if _, err = io.ReadFull(r, payload); err != nil {
			return 0, 0, nil, err
		}
	}
	return fh.Code, fh.Status, payload, nil
}

// Handler processes one decoded request and returns the response payload
// to write back, or an error to translate to a status code. Registered
// per ReqCode by Server.Register.
type Handler func(hdr Header, payload []byte) ([]byte, error)

// Server accepts connections on a Unix domain socket and dispatches
// requests by code to registered Handlers, checking the peer's
// credentials via SO_PEERCRED before any administrative request runs.
type Server struct {
	handlers map[ReqCode]Handler
	listener net.Listener

	// RequireUID, if nonzero, rejects connections from any peer whose
	// effective UID does not match (0 = root-only is the default).
	RequireUID uint32
}

// NewServer creates a Server with no listener yet; call Listen to bind.
func NewServer() *Server {
	return &Server{handlers: make(map[ReqCode]Handler)}
}

// Register attaches handler to code; a duplicate registration panics,
// mirroring a programmer fault rather than a runtime condition.
func (s *Server) Register(code ReqCode, h Handler) {
	if _, exists := s.handlers[code]; exists {
		panic(fmt.Sprintf("rtioctl: handler already registered for %#x", code))
	}
	s.handlers[code] = h
}

// Listen binds a Unix domain socket at path, removing any stale socket
// file left by a previous crashed instance first.
func (s *Server) Listen(path string) error {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.listener = l
	return nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if uc, ok := conn.(*net.UnixConn); ok {
		if err := s.checkPeer(uc); err != nil {
			log.WithError(err).Warn("rtioctl: rejecting unprivileged peer")
			_ = writeFrame(conn, 0, errCode(rtnet.ErrFault), nil)
			return
		}
	}

	for {
		code, _, payload, err := readFrame(conn)
		if err != nil {
			return
		}
		if len(payload) < ifNameSize {
			_ = writeFrame(conn, code, errCode(rtnet.ErrFault), nil)
			continue
		}
		var hdr Header
		copy(hdr.IfName[:], payload[:ifNameSize])
		body := payload[ifNameSize:]

		h, ok := s.handlers[ReqCode(code)]
		if !ok {
			log.WithField("subsystem", subsystem(ReqCode(code))).Debug("rtioctl: no handler for request code")
			_ = writeFrame(conn, code, errCode(rtnet.ErrNoDev), nil)
			continue
		}
		resp, err := h(hdr, body)
		if err != nil {
			_ = writeFrame(conn, code, errCode(err), nil)
			continue
		}
		_ = writeFrame(conn, code, 0, resp)
	}
}

// checkPeer uses SO_PEERCRED (via golang.org/x/sys/unix) to verify only
// a caller with administrative credentials may issue a request.
func (s *Server) checkPeer(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var cred *unix.Ucred
	var credErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	if credErr != nil {
		return credErr
	}
	if s.RequireUID != 0 && cred.Uid != s.RequireUID {
		return errors.Errorf("rtioctl: peer uid %d not authorized", cred.Uid)
	}
	if s.RequireUID == 0 && cred.Uid != 0 {
		return errors.Errorf("rtioctl: peer uid %d is not root", cred.Uid)
	}
	return nil
}

// Client is the thin dialer cmd/rtnetctl uses to issue one request per
// invocation.
type Client struct {
	conn net.Conn
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Do sends one request (ifname plus body) and waits for the response
// payload, translating a nonzero status into the matching sentinel
// error.
func (c *Client) Do(code ReqCode, ifname string, body []byte) ([]byte, error) {
	var hdr Header
	hdr.SetIfName(ifname)
	payload := append(append([]byte{}, hdr.IfName[:]...), body...)
	if err := writeFrame(c.conn, uint16(code), 0, payload); err != nil {
		return nil, err
	}
	_, status, resp, err := readFrame(c.conn)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, errFromCode(status)
	}
	return resp, nil
}

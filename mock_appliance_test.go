// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// MockAppliance accepts client connections on a loopback port and hands each
// one to the test, which plays the appliance side of the protocol.
type MockAppliance struct {
	listener net.Listener
	addr     string
	conns    chan net.Conn
	wg       sync.WaitGroup
	stop     chan struct{}
}

// StartMockAppliance listens on a random port and stops when the test ends.
func StartMockAppliance(t *testing.T) *MockAppliance {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	m := &MockAppliance{
		listener: listener,
		addr:     listener.Addr().String(),
		conns:    make(chan net.Conn, 4),
		stop:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.serve()
	t.Cleanup(m.Stop)
	return m
}

// Stop closes the listener and every accepted connection.
func (m *MockAppliance) Stop() {
	close(m.stop)
	_ = m.listener.Close()
	m.wg.Wait()
	for {
		select {
		case conn := <-m.conns:
			_ = conn.Close()
		default:
			return
		}
	}
}

// Addr returns the listen address.
func (m *MockAppliance) Addr() string {
	return m.addr
}

func (m *MockAppliance) serve() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
				continue
			}
		}

		select {
		case m.conns <- conn:
		case <-m.stop:
			_ = conn.Close()
			return
		}
	}
}

// Accept waits for the next client connection.
func (m *MockAppliance) Accept(t *testing.T) *applianceConn {
	t.Helper()
	select {
	case conn := <-m.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return &applianceConn{t: t, conn: conn}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

// applianceConn is the appliance end of one connection. Its methods must be
// called from the test goroutine.
type applianceConn struct {
	t    *testing.T
	conn net.Conn
}

func (c *applianceConn) read(n int) []byte {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	b := make([]byte, n)
	_, err := io.ReadFull(c.conn, b)
	require.NoError(c.t, err)
	return b
}

func (c *applianceConn) expect(expected []byte) {
	c.t.Helper()
	assert.Equal(c.t, expected, c.read(len(expected)))
}

// expectSilence asserts that the client writes nothing for d.
func (c *applianceConn) expectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	n, err := c.conn.Read(make([]byte, 1))
	assert.Zero(c.t, n, "unexpected bytes from client")
	assert.True(c.t, isTimeout(err), "expected a read timeout, got %v", err)
}

// send writes parts as a single segment.
func (c *applianceConn) send(parts ...[]byte) {
	c.t.Helper()
	_, err := c.conn.Write(bytes.Join(parts, nil))
	require.NoError(c.t, err)
}

func (c *applianceConn) close() {
	_ = c.conn.Close()
}

// handshake scripts the appliance side up to and including ServerInit.
type handshake struct {
	DeviceType        uint8
	Offer             []SecurityType
	OfferSeparate     bool
	Security          SecurityType
	Channel           int
	Account           string
	Password          string
	CentralizeSubtype SecurityType
	Reject            string
	Init              ServerInit
}

func defaultHandshake() handshake {
	return handshake{
		DeviceType: DeviceTypeEV4000A,
		Offer:      []SecurityType{SecurityNone},
		Security:   SecurityNone,
		Init:       ServerInit{Width: 1024, Height: 768, Name: "kvm-test"},
	}
}

// greet reads the client version and sends the device block and offer.
func (c *applianceConn) greet(h handshake) {
	c.t.Helper()
	c.expect(Version38.Bytes())

	block := EncodeDeviceBlock(Version38, h.DeviceType, testModules())
	offer := SecurityOffer{Types: h.Offer}.Bytes()
	if h.OfferSeparate {
		c.send(block)
		c.send(offer)
		return
	}
	c.send(block, offer)
}

// authenticate expects the security selection and plays the challenge.
func (c *applianceConn) authenticate(h handshake) {
	c.t.Helper()
	c.expect(EncodeSecurityType(h.Security))
	if h.Security == SecurityCentralize {
		c.expect(EncodeUserAccount(h.Account))
	}
	c.expect(EncodeSecurityPath(h.Channel))

	switch h.Security {
	case SecurityVNCAuth:
		c.challenge(h, nil)
	case SecurityCentralize:
		prefix := []byte{byte(h.CentralizeSubtype)}
		if h.CentralizeSubtype == SecurityVNCAuth {
			c.challenge(h, prefix)
		} else {
			c.send(prefix)
		}
	}

	if h.Reject != "" {
		c.send(AuthOutcome{Message: h.Reject}.Bytes())
		return
	}
	c.send(AuthOutcome{Success: true}.Bytes())
	c.expect([]byte{ShareFlag})
	c.send(h.Init.Bytes())
}

// challenge sends the DES challenge after prefix and verifies the reply.
func (c *applianceConn) challenge(h handshake, prefix []byte) {
	c.t.Helper()
	c.send(prefix, testChallenge)

	n := binary.LittleEndian.Uint32(c.read(4))
	response := c.read(int(n))

	encrypted, err := newSecureDESCipher().EncryptVNCChallenge(h.Password, testChallenge)
	require.NoError(c.t, err)
	assert.Equal(c.t, EncodeVNCAuthResponse(h.Account, encrypted)[4:], response)
}

func (c *applianceConn) handshake(h handshake) {
	c.t.Helper()
	c.greet(h)
	c.authenticate(h)
}

// connect dials the appliance and returns the session, the appliance end
// and the event stream.
func connect(t *testing.T, options ...SessionOption) (*Session, *applianceConn, <-chan Event) {
	t.Helper()
	appliance := StartMockAppliance(t)
	events := make(chan Event, 1024)

	options = append(options, WithEventChannel(events))
	s, err := Dial(context.Background(), appliance.Addr(), options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, appliance.Accept(t), events
}

// connectNormal connects and completes a None handshake.
func connectNormal(t *testing.T, options ...SessionOption) (*Session, *applianceConn, <-chan Event) {
	t.Helper()
	s, conn, events := connect(t, options...)
	conn.handshake(defaultHandshake())
	waitEvent(t, events, EventAfterInitialisation)
	return s, conn, events
}

// waitEvent returns the next event of kind, discarding others.
func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(testTimeout)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
			return Event{}
		}
	}
}

// waitClosed waits for the session to close.
func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(testTimeout):
		t.Fatal("session did not close")
	}
}

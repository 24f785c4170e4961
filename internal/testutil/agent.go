// Package testutil holds helpers for tests that drive a running hub from
// the outside, the way a PanL agent and its panels do.
package testutil

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/protocol"
)

// Transmission is one block the hub wrote: the panel address from its
// header and the frames that followed.
type Transmission struct {
	Address uint8
	Payload []byte
}

// Agent is a fake PanL agent connected to a hub.
type Agent struct {
	t    *testing.T
	conn net.Conn
}

// DialAgent connects to addr and sends the agent handshake with uid.
func DialAgent(t *testing.T, addr string, uid [8]byte) *Agent {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err, "Failed to dial hub")
	t.Cleanup(func() { conn.Close() })

	_, err = conn.Write(append([]byte{byte(protocol.ReportAgentID)}, uid[:]...))
	require.NoError(t, err, "Failed to send handshake")
	return &Agent{t: t, conn: conn}
}

// Send writes frames as coming from the panel at address.
func (a *Agent) Send(address uint8, frames ...[]byte) {
	a.t.Helper()
	buf := []byte{byte(protocol.SetAddressIn), address}
	for _, f := range frames {
		buf = append(buf, f...)
	}
	_, err := a.conn.Write(buf)
	require.NoError(a.t, err, "Failed to write frames")
}

// ReportUUID sends the REPORT_UUID a panel sends after power up.
func (a *Agent) ReportUUID(address uint8, uuid [8]byte) {
	a.t.Helper()
	a.Send(address, append([]byte{byte(protocol.ReportUUID)}, uuid[:]...))
}

// Read returns the next transmission, failing the test after timeout.
func (a *Agent) Read(timeout time.Duration) Transmission {
	a.t.Helper()
	require.NoError(a.t, a.conn.SetReadDeadline(time.Now().Add(timeout)))
	header := make([]byte, protocol.AddressHeaderSize)
	_, err := io.ReadFull(a.conn, header)
	require.NoError(a.t, err, "Failed to read address header")
	require.Equal(a.t, byte(protocol.SetAddress), header[0], "Transmission does not start with SET_ADDRESS")

	payload := make([]byte, binary.LittleEndian.Uint16(header[2:]))
	_, err = io.ReadFull(a.conn, payload)
	require.NoError(a.t, err, "Failed to read payload")
	return Transmission{Address: header[1], Payload: payload}
}

// WaitFor reads transmissions until one for address carries frame and
// returns it. Everything read before it is dropped.
func (a *Agent) WaitFor(address uint8, frame []byte, timeout time.Duration) Transmission {
	a.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			a.t.Fatalf("Timeout waiting for frame %x on panel %d", frame, address)
		}
		tr := a.Read(remaining)
		if tr.Address == address && bytes.Contains(tr.Payload, frame) {
			return tr
		}
	}
}

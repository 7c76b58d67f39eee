package utils

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// MsgType identifies a frame in the parent/child bring-up protocol.
type MsgType string

const (
	// MsgConfigure carries the resolved inner pid and uid/gid mapping
	// completion signal from parent to child.
	MsgConfigure MsgType = "CONFIGURE"
	// MsgReady signals that the child has finished namespace, rootfs and
	// security setup and is blocked waiting for MsgStart.
	MsgReady MsgType = "READY"
	// MsgStart unblocks the child to exec the requested process.
	MsgStart MsgType = "START"
	// MsgError reports a step failure; the sender exits non-zero after
	// writing it.
	MsgError MsgType = "ERROR"
)

// ErrorPayload describes a bring-up failure reported by the child.
type ErrorPayload struct {
	Step    string `json:"step"`
	Errno   int    `json:"errno,omitempty"`
	Message string `json:"message"`
}

// ConfigurePayload carries information the child needs to finish bring-up
// that only the parent can supply (it owns uid/gid mapping and cgroup
// attachment, both of which require permissions the in-namespace child
// lacks).
type ConfigurePayload struct {
	Pid            int  `json:"pid"`
	IDMapsWritten  bool `json:"id_maps_written"`
	CgroupAttached bool `json:"cgroup_attached"`

	// SetnsFds maps namespace type to the child's inherited fd number for
	// each join-by-path namespace the parent opened on its behalf.
	SetnsFds map[string]int `json:"setns_fds,omitempty"`
}

// Frame is one message exchanged over the bring-up protocol socket.
type Frame struct {
	Type      MsgType           `json:"type"`
	Configure *ConfigurePayload `json:"configure,omitempty"`
	Error     *ErrorPayload     `json:"error,omitempty"`
}

// Protocol is a length-prefixed JSON frame codec layered over one end of a
// SOCK_STREAM socket pair. File descriptors ride outside the codec: the
// console pty master is handed off via SendConsoleToSocket, and setns fds
// are inherited across fork with their numbers carried in CONFIGURE.
type Protocol struct {
	f *os.File
}

// NewProtocolPair creates a connected pair of Protocol endpoints backed by
// an AF_UNIX SOCK_STREAM socket pair. The parent keeps one end across
// fork+exec; the child's end is inherited as an extra file descriptor.
func NewProtocolPair() (parent *Protocol, child *Protocol, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	return &Protocol{f: os.NewFile(uintptr(fds[0]), "fire-proto-parent")},
		&Protocol{f: os.NewFile(uintptr(fds[1]), "fire-proto-child")}, nil
}

// NewProtocolFromFile wraps an inherited file descriptor (e.g. fd 3 in the
// re-exec'd init process) as a Protocol endpoint.
func NewProtocolFromFile(f *os.File) *Protocol {
	return &Protocol{f: f}
}

// ControlSocketPath returns the path of the bring-up control socket for a
// container's state directory. The init process binds this before
// pivot_root and keeps accepting connections on it across the create/start
// split, since create and start are ordinarily separate CLI invocations and
// cannot share an anonymous socket pair the way a single long-lived parent
// could.
func ControlSocketPath(stateDir string) string {
	return stateDir + "/control.sock"
}

// ListenControl binds a named control socket for the init process, reusing
// the unix-domain-socket idiom SendConsoleToSocket already uses for the
// console fd handoff.
func ListenControl(path string) (net.Listener, error) {
	os.Remove(path)
	return net.Listen("unix", path)
}

// AcceptProtocol accepts one connection on a control listener and wraps it
// as a Protocol endpoint.
func AcceptProtocol(l net.Listener) (*Protocol, error) {
	conn, err := l.Accept()
	if err != nil {
		return nil, fmt.Errorf("accept control conn: %w", err)
	}
	return protocolFromConn(conn)
}

// DialControl connects to a container's control socket as a client, used by
// a separate `start` invocation to reach the init process the original
// `create` invocation left waiting.
func DialControl(path string) (*Protocol, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial control socket: %w", err)
	}
	return protocolFromConn(conn)
}

func protocolFromConn(conn net.Conn) (*Protocol, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("not a unix connection")
	}
	f, err := unixConn.File()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("get control conn file: %w", err)
	}
	conn.Close()
	return &Protocol{f: f}, nil
}

// File returns the underlying file, e.g. for inclusion in exec.Cmd.ExtraFiles.
func (p *Protocol) File() *os.File {
	return p.f
}

// Close closes the underlying socket.
func (p *Protocol) Close() error {
	return p.f.Close()
}

// Send writes one length-prefixed JSON frame.
func (p *Protocol) Send(frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := p.f.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := p.f.Write(payload); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// Recv reads one length-prefixed JSON frame.
func (p *Protocol) Recv() (Frame, error) {
	var hdr [4]byte
	if _, err := readFull(p.f, hdr[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := readFull(p.f, buf); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}
	var frame Frame
	if err := json.Unmarshal(buf, &frame); err != nil {
		return Frame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	return frame, nil
}

// SendError is a convenience wrapper sending a MsgError frame describing a
// bring-up step failure.
func (p *Protocol) SendError(step string, err error) error {
	payload := &ErrorPayload{Step: step, Message: err.Error()}
	if errno, ok := err.(syscall.Errno); ok {
		payload.Errno = int(errno)
	}
	return p.Send(Frame{Type: MsgError, Error: payload})
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("unexpected EOF")
		}
	}
	return total, nil
}

package utils

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestProtocolPair_RoundTrip(t *testing.T) {
	parent, child, err := NewProtocolPair()
	if err != nil {
		t.Fatalf("NewProtocolPair failed: %v", err)
	}
	defer parent.Close()
	defer child.Close()

	go func() {
		parent.Send(Frame{
			Type: MsgConfigure,
			Configure: &ConfigurePayload{
				Pid:            1234,
				IDMapsWritten:  true,
				CgroupAttached: true,
				SetnsFds:       map[string]int{"network": 4},
			},
		})
	}()

	frame, err := child.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if frame.Type != MsgConfigure {
		t.Fatalf("expected CONFIGURE, got %s", frame.Type)
	}
	if frame.Configure == nil || frame.Configure.Pid != 1234 {
		t.Error("configure payload not preserved")
	}
	if !frame.Configure.IDMapsWritten || !frame.Configure.CgroupAttached {
		t.Error("configure booleans not preserved")
	}
	if frame.Configure.SetnsFds["network"] != 4 {
		t.Error("setns fd map not preserved")
	}
}

func TestProtocol_MultipleFrames(t *testing.T) {
	parent, child, err := NewProtocolPair()
	if err != nil {
		t.Fatalf("NewProtocolPair failed: %v", err)
	}
	defer parent.Close()
	defer child.Close()

	go func() {
		child.Send(Frame{Type: MsgReady})
		child.Send(Frame{Type: MsgStart})
	}()

	for _, want := range []MsgType{MsgReady, MsgStart} {
		frame, err := parent.Recv()
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if frame.Type != want {
			t.Errorf("expected %s, got %s", want, frame.Type)
		}
	}
}

func TestProtocol_SendError(t *testing.T) {
	parent, child, err := NewProtocolPair()
	if err != nil {
		t.Fatalf("NewProtocolPair failed: %v", err)
	}
	defer parent.Close()
	defer child.Close()

	go func() {
		child.SendError("rootfs", syscall.ENOENT)
	}()

	frame, err := parent.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if frame.Type != MsgError {
		t.Fatalf("expected ERROR, got %s", frame.Type)
	}
	if frame.Error == nil {
		t.Fatal("error payload missing")
	}
	if frame.Error.Step != "rootfs" {
		t.Errorf("step = %q, want rootfs", frame.Error.Step)
	}
	if frame.Error.Errno != int(syscall.ENOENT) {
		t.Errorf("errno = %d, want %d", frame.Error.Errno, int(syscall.ENOENT))
	}
}

func TestProtocol_RecvOnClosedPeer(t *testing.T) {
	parent, child, err := NewProtocolPair()
	if err != nil {
		t.Fatalf("NewProtocolPair failed: %v", err)
	}
	defer parent.Close()

	child.Close()

	if _, err := parent.Recv(); err == nil {
		t.Error("Recv on a closed peer should fail")
	}
}

func TestControlSocket_RoundTrip(t *testing.T) {
	stateDir := t.TempDir()
	path := ControlSocketPath(stateDir)

	l, err := ListenControl(path)
	if err != nil {
		t.Fatalf("ListenControl failed: %v", err)
	}
	defer l.Close()

	accepted := make(chan *Protocol, 1)
	go func() {
		conn, err := AcceptProtocol(l)
		if err != nil {
			t.Errorf("AcceptProtocol failed: %v", err)
			accepted <- nil
			return
		}
		accepted <- conn
	}()

	dialer, err := DialControl(path)
	if err != nil {
		t.Fatalf("DialControl failed: %v", err)
	}
	defer dialer.Close()

	if err := dialer.Send(Frame{Type: MsgStart}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	conn := <-accepted
	if conn == nil {
		t.FailNow()
	}
	defer conn.Close()

	frame, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if frame.Type != MsgStart {
		t.Errorf("expected START, got %s", frame.Type)
	}
}

func TestControlSocketPath(t *testing.T) {
	got := ControlSocketPath("/run/fire/c1")
	want := filepath.Join("/run/fire/c1", "control.sock")
	if got != want {
		t.Errorf("ControlSocketPath = %q, want %q", got, want)
	}
}

func TestListenControl_ReplacesStaleSocket(t *testing.T) {
	stateDir := t.TempDir()
	path := ControlSocketPath(stateDir)

	// Leave a stale socket file behind, as a crashed init would.
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatalf("create stale file: %v", err)
	}

	l, err := ListenControl(path)
	if err != nil {
		t.Fatalf("ListenControl should replace a stale socket: %v", err)
	}
	l.Close()
}

package daemon

import (
	"path/filepath"
	"testing"
	"time"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "server.sock")
	pidPath := filepath.Join(dir, "server.pid")
	s, err := NewServer(sockPath, pidPath)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go s.Serve()
	t.Cleanup(s.Shutdown)
	return s, sockPath
}

func TestPingReturnsOk(t *testing.T) {
	_, sock := startTestServer(t)
	c, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	reply, err := c.Call(Request{Cmd: CmdPing})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !reply.Ok {
		t.Fatalf("expected ok reply to ping")
	}
}

func TestCreateSendAndListRoundTrip(t *testing.T) {
	_, sock := startTestServer(t)
	dir := t.TempDir()
	c, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	reply, err := c.Call(Request{Cmd: CmdCreate, Key: "c1", Command: "cat", LogPath: filepath.Join(dir, "c1.log")})
	if err != nil || !reply.Ok {
		t.Fatalf("create failed: reply=%+v err=%v", reply, err)
	}

	if reply, err := c.Call(Request{Cmd: CmdSend, Key: "c1", Input: "hello\n"}); err != nil || !reply.Ok {
		t.Fatalf("send failed: reply=%+v err=%v", reply, err)
	}

	reply, err = c.Call(Request{Cmd: CmdList})
	if err != nil || !reply.Ok {
		t.Fatalf("list failed: reply=%+v err=%v", reply, err)
	}
	if len(reply.Sessions) != 1 || reply.Sessions[0].Key != "c1" {
		t.Fatalf("expected exactly one session 'c1', got %+v", reply.Sessions)
	}

	if reply, err := c.Call(Request{Cmd: CmdKill, Key: "c1", Force: true}); err != nil || !reply.Ok {
		t.Fatalf("kill failed: reply=%+v err=%v", reply, err)
	}
}

func TestStatusOnUnknownSessionIsError(t *testing.T) {
	_, sock := startTestServer(t)
	c, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	reply, err := c.Call(Request{Cmd: CmdStatus, Key: "missing"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.Ok {
		t.Fatalf("expected status of an unknown session to report an error")
	}
}

func TestShutdownClosesSocket(t *testing.T) {
	s, sock := startTestServer(t)
	c, err := Dial(sock)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, err := c.Call(Request{Cmd: CmdShutdown}); err != nil {
		t.Fatalf("shutdown call: %v", err)
	}
	c.Close()

	time.Sleep(50 * time.Millisecond)
	if _, err := Dial(sock); err == nil {
		t.Fatalf("expected dialing after shutdown to fail")
	}
	_ = s
}

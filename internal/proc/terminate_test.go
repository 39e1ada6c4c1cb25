package proc

import (
	"net"
	"os"
	"os/exec"
	"testing"
	"time"
)

// startWatched starts cmd and returns a channel closed when it has been reaped.
func startWatched(t *testing.T, cmd *exec.Cmd) <-chan struct{} {
	t.Helper()
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()
	t.Cleanup(func() { cmd.Process.Kill() })
	return exited
}

func TestTerminate_ProcessAlreadyDone(t *testing.T) {
	quietLogger(t)

	cmd := exec.Command("true")
	exited := startWatched(t, cmd)
	<-exited

	if err := Terminate(cmd.Process, exited, 5*time.Second, "test-done", false); err != nil {
		t.Errorf("expected nil error for already-done process, got: %v", err)
	}
}

func TestTerminate_ProcessExitsGracefully(t *testing.T) {
	quietLogger(t)

	cmd := exec.Command("sleep", "60")
	exited := startWatched(t, cmd)

	start := time.Now()
	if err := Terminate(cmd.Process, exited, 5*time.Second, "test-graceful", false); err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("graceful termination took %v", elapsed)
	}
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	quietLogger(t)

	cmd := exec.Command("sh", "-c", "trap '' TERM; sleep 60")
	cmd.SysProcAttr = SysProcAttr()
	exited := startWatched(t, cmd)

	// Give the shell time to install its trap.
	time.Sleep(200 * time.Millisecond)

	if err := Terminate(cmd.Process, exited, 300*time.Millisecond, "test-stubborn", true); err != nil {
		t.Errorf("expected nil error after SIGKILL, got: %v", err)
	}

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("process still running after Terminate")
	}
}

func TestTerminate_NilProcess(t *testing.T) {
	if err := Terminate(nil, nil, time.Second, "nil", false); err == nil {
		t.Error("expected error for nil process")
	}
}

func TestListeningPorts_CurrentProcess(t *testing.T) {
	quietLogger(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	want := ln.Addr().(*net.TCPAddr).Port

	ports, err := ListeningPorts(os.Getpid())
	if err != nil {
		t.Skipf("connection table unavailable: %v", err)
	}

	for _, p := range ports {
		if p == want {
			return
		}
	}
	t.Errorf("ListeningPorts() = %v, want it to contain %d", ports, want)
}

func TestTerminatePID(t *testing.T) {
	quietLogger(t)

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = SysProcAttr()
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start sleep: %v", err)
	}
	// Reap in the background so the child does not linger as a zombie.
	go cmd.Wait()

	if err := TerminatePID(cmd.Process.Pid, 2*time.Second, true); err != nil {
		t.Fatalf("TerminatePID() error = %v", err)
	}
	if IsAlive(cmd.Process.Pid) {
		t.Error("process still alive after TerminatePID")
	}

	if err := TerminatePID(cmd.Process.Pid, time.Second, true); err != nil {
		t.Errorf("TerminatePID() on a gone process = %v, want nil", err)
	}
}

package daemon

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"grimm.is/pftablesd/internal/clock"
	"grimm.is/pftablesd/internal/logging"
	"grimm.is/pftablesd/internal/ruletables"
	"grimm.is/pftablesd/internal/worker"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError})
}

// testSpec stands in for the real iptables binaries: LoadCmd prints a
// fixed dump, SaveCmd is a no-op sink that just drains whatever the
// daemon writes to it, the way /bin/cat would for a real restore
// process that never complains.
func testSpec() worker.Spec {
	return worker.Spec{
		LoadCmd: []string{"/bin/sh", "-c", "printf '*filter\\n:INPUT ACCEPT [0:0]\\nCOMMIT\\n'"},
		SaveCmd: []string{"/bin/cat"},
	}
}

func newTestServer(t *testing.T, family ruletables.AddressFamily) (*Server, func()) {
	t.Helper()
	w := worker.New(string(family), testSpec(), nil, testLogger())
	s := New(family, ruletables.NewCache(), w, testLogger())
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Serve()
		close(done)
	}()

	cleanup := func() {
		s.Shutdown()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
	}
	return s, cleanup
}

func dial(t *testing.T, family ruletables.AddressFamily) *bufio.ReadWriter {
	t.Helper()
	conn, err := net.DialTimeout("unix", SocketName(family), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
}

func readLine(t *testing.T, rw *bufio.ReadWriter) string {
	t.Helper()
	line, err := rw.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\n")
}

func sendLine(t *testing.T, rw *bufio.ReadWriter, line string) {
	t.Helper()
	if _, err := rw.WriteString(line + "\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := rw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestAcceptSendsGreetingAndServesLoad(t *testing.T) {
	_, cleanup := newTestServer(t, ruletables.IPv4)
	defer cleanup()

	rw := dial(t, ruletables.IPv4)

	greeting := readLine(t, rw)
	if greeting != "PFTABLES/1" {
		t.Fatalf("greeting = %q, want %q", greeting, "PFTABLES/1")
	}

	sendLine(t, rw, "xxx LOAD")

	var last string
	for i := 0; i < 10; i++ {
		last = readLine(t, rw)
		if strings.HasSuffix(last, "OK") {
			break
		}
	}
	if !strings.HasSuffix(last, "OK") {
		t.Fatalf("expected a trailing OK frame, got %q", last)
	}
}

func TestDebugDumpReflectsLoadedCache(t *testing.T) {
	s, cleanup := newTestServer(t, ruletables.AddressFamily("ipv4-debugdump"))
	defer cleanup()

	rw := dial(t, ruletables.AddressFamily("ipv4-debugdump"))
	readLine(t, rw) // greeting
	sendLine(t, rw, "xxx LOAD")
	for {
		if strings.HasSuffix(readLine(t, rw), "OK") {
			break
		}
	}

	dump := s.debugDump()
	found := false
	for _, line := range dump {
		if strings.Contains(line, "filter") {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected debug dump to mention the loaded filter table, got %v", dump)
	}
}

func TestAcceptDeadlineExtendsOnlyWhenIdle(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	mock := clock.NewMockClock(start)

	idle := acceptDeadline(mock, 0)
	if want := start.Add(idleAcceptTimeout); !idle.Equal(want) {
		t.Errorf("idle deadline = %v, want %v", idle, want)
	}

	busy := acceptDeadline(mock, 1)
	if !busy.IsZero() {
		t.Errorf("busy deadline = %v, want zero (no deadline)", busy)
	}

	mock.Advance(time.Minute)
	later := acceptDeadline(mock, 0)
	if want := start.Add(time.Minute).Add(idleAcceptTimeout); !later.Equal(want) {
		t.Errorf("idle deadline after advance = %v, want %v", later, want)
	}
}

func TestServeExitsCleanlyOnIdleTimeout(t *testing.T) {
	family := ruletables.AddressFamily("ipv4-idle-exit")
	w := worker.New(string(family), testSpec(), nil, testLogger())
	s := New(family, ruletables.NewCache(), w, testLogger())

	// A mock clock already past idleAcceptTimeout makes the very first
	// SetDeadline an absolute deadline in the past, so Accept times out
	// on its own almost immediately without anything dialing in.
	mock := clock.NewMockClock(time.Now().Add(-2 * idleAcceptTimeout))
	s.setClock(mock)

	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve() }()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve returned %v, want nil on idle timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not exit on its own after the idle timeout elapsed")
	}

	if n := s.ClientCount(); n != 0 {
		t.Errorf("expected no clients at idle exit, got %d", n)
	}
}

func TestListenTwiceReturnsAlreadyRunning(t *testing.T) {
	s1, cleanup := newTestServer(t, ruletables.IPv6)
	defer cleanup()
	_ = s1

	w := worker.New("ipv6", testSpec(), nil, testLogger())
	s2 := New(ruletables.IPv6, ruletables.NewCache(), w, testLogger())

	err := s2.Listen()
	if err == nil {
		t.Fatal("expected second Listen to fail")
	}
	if _, ok := err.(*AlreadyRunning); !ok {
		t.Fatalf("expected *AlreadyRunning, got %T: %v", err, err)
	}
}

func TestReloadedFanoutResetsOtherClients(t *testing.T) {
	family := ruletables.AddressFamily("ipv4-fanout")
	w := worker.New(string(family), testSpec(), nil, testLogger())
	s := New(family, ruletables.NewCache(), w, testLogger())
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	done := make(chan struct{})
	go func() { s.Serve(); close(done) }()
	defer func() {
		s.Shutdown()
		<-done
	}()

	a := dial(t, family)
	readLine(t, a) // greeting
	sendLine(t, a, "xxx LOAD")
	for {
		if strings.HasSuffix(readLine(t, a), "OK") {
			break
		}
	}

	b := dial(t, family)
	readLine(t, b) // greeting
	sendLine(t, b, "xxx LOAD")
	for {
		if strings.HasSuffix(readLine(t, b), "OK") {
			break
		}
	}

	// a commits a save, which should push b back to void.
	// Entering save sends no reply; the only reply to the whole
	// SAVE..COMMIT sequence is COMMIT's.
	sendLine(t, a, "xxx SAVE")
	sendLine(t, a, "xxx TABLE/filter")
	sendLine(t, a, "xxx COMMIT")
	readLine(t, a)

	// Give the fanout goroutine a moment, then confirm b is forced to
	// re-sync: a SAVE from b should now be rejected with the
	// out-of-date failure, the same as a fresh connection's would be.
	time.Sleep(50 * time.Millisecond)
	sendLine(t, b, "xxx SAVE")
	reply := readLine(t, b)
	if !strings.Contains(reply, "FAILURE/") {
		t.Errorf("expected b's SAVE to be rejected after fanout reset, got %q", reply)
	}
}

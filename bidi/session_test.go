package bidi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/localrivet/webdriverbidi/logx"
)

type inboundCommand struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeRemote is a minimal BiDi remote end: it upgrades one connection and
// hands every inbound command to handle, which decides what (if anything)
// to write back. Grounded on the teacher's websocket_test.go httptest
// pattern, generalized to speak BiDi's {type, id|method, ...} envelopes
// instead of MCP's JSON-RPC ones.
func newFakeRemote(t *testing.T, handle func(conn net.Conn, cmd inboundCommand)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			data, _, err := wsutil.ReadClientData(conn)
			if err != nil {
				return
			}
			var cmd inboundCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			handle(conn, cmd)
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + server.URL[len("http"):]
}

func writeToRemote(t *testing.T, conn net.Conn, text string) {
	t.Helper()
	require.NoError(t, wsutil.WriteServerMessage(conn, ws.OpText, []byte(text)))
}

func testOptions(extra ...Option) []Option {
	base := []Option{
		WithLogger(logx.NopLogger{}),
		WithStartupTimeout(time.Second),
		WithShutdownTimeout(time.Second),
		WithDataTimeout(time.Second),
		WithCommandTimeout(time.Second),
	}
	return append(base, extra...)
}

// S1: basic round trip.
func TestSessionBasicRoundTrip(t *testing.T) {
	server := newFakeRemote(t, func(conn net.Conn, cmd inboundCommand) {
		require.Equal(t, "session.status", cmd.Method)
		writeToRemote(t, conn, fmt.Sprintf(`{"type":"success","id":%d,"result":{"ready":true}}`, cmd.ID))
	})
	defer server.Close()

	s := New(testOptions()...)
	require.NoError(t, s.Start(context.Background(), wsURL(server)))
	defer s.Stop()

	result, err := s.Execute(context.Background(), "session.status", nil)
	require.NoError(t, err)
	raw, ok := result.(json.RawMessage)
	require.True(t, ok)
	require.JSONEq(t, `{"ready":true}`, string(raw))
}

// S2: remote error.
func TestSessionRemoteError(t *testing.T) {
	server := newFakeRemote(t, func(conn net.Conn, cmd inboundCommand) {
		writeToRemote(t, conn, fmt.Sprintf(`{"type":"error","id":%d,"error":"invalid argument","message":"bad url"}`, cmd.ID))
	})
	defer server.Close()

	s := New(testOptions()...)
	require.NoError(t, s.Start(context.Background(), wsURL(server)))
	defer s.Stop()

	_, err := s.Execute(context.Background(), "browsingContext.navigate", nil)
	require.Error(t, err)
	require.True(t, IsCommandFailed(err))
	var cfe *CommandFailedError
	require.ErrorAs(t, err, &cfe)
	require.Equal(t, "invalid argument", cfe.ErrorCode)
	require.Equal(t, "bad url", cfe.Message)
}

// S3: timeout against a remote end that never replies; the caller
// observes CommandTimeout.
func TestSessionCommandTimeout(t *testing.T) {
	var pending chan inboundCommand = make(chan inboundCommand, 1)
	server := newFakeRemote(t, func(conn net.Conn, cmd inboundCommand) {
		pending <- cmd
		// deliberately never reply within the test's timeout window
	})
	defer server.Close()

	s := New(testOptions()...)
	require.NoError(t, s.Start(context.Background(), wsURL(server)))
	defer s.Stop()

	_, err := s.Execute(context.Background(), "session.status", nil, WithTimeout(50*time.Millisecond))
	require.Error(t, err)
	require.True(t, IsCommandTimeout(err))
}

// S4: interleaved concurrency, replies out of send order.
func TestSessionInterleavedConcurrency(t *testing.T) {
	var mu sync.Mutex
	var conns []net.Conn
	var cmds []inboundCommand
	gotAll := make(chan struct{})

	server := newFakeRemote(t, func(conn net.Conn, cmd inboundCommand) {
		mu.Lock()
		conns = append(conns, conn)
		cmds = append(cmds, cmd)
		n := len(cmds)
		mu.Unlock()
		if n == 3 {
			close(gotAll)
		}
	})
	defer server.Close()

	s := New(testOptions()...)
	require.NoError(t, s.Start(context.Background(), wsURL(server)))
	defer s.Stop()

	results := make([]chan interface{}, 3)
	for i := 0; i < 3; i++ {
		results[i] = make(chan interface{}, 1)
		i := i
		go func() {
			result, err := s.Execute(context.Background(), "session.status", nil)
			require.NoError(t, err)
			results[i] <- result
		}()
	}

	select {
	case <-gotAll:
	case <-time.After(2 * time.Second):
		t.Fatal("remote never saw all three commands")
	}

	mu.Lock()
	// reply in order 3, 1, 2 (by position, not id)
	order := []int{2, 0, 1}
	for _, i := range order {
		writeToRemote(t, conns[i], fmt.Sprintf(`{"type":"success","id":%d,"result":{"n":%d}}`, cmds[i].ID, cmds[i].ID))
	}
	mu.Unlock()

	for i := 0; i < 3; i++ {
		select {
		case <-results[i]:
		case <-time.After(2 * time.Second):
			t.Fatalf("result %d never arrived", i)
		}
	}
}

// S5: two handlers subscribed to the same event observe all three
// messages, in order.
func TestSessionEventFanOut(t *testing.T) {
	connReady := make(chan net.Conn, 1)
	server := newFakeRemote(t, func(conn net.Conn, cmd inboundCommand) {
		select {
		case connReady <- conn:
		default:
		}
	})
	defer server.Close()

	s := New(testOptions()...)
	require.NoError(t, s.Start(context.Background(), wsURL(server)))
	defer s.Stop()

	var mu sync.Mutex
	var first, second []string
	done := make(chan struct{})
	var once sync.Once

	s.On("log.entryAdded", func(_ string, event interface{}) {
		mu.Lock()
		raw := event.(json.RawMessage)
		first = append(first, string(raw))
		n := len(first)
		mu.Unlock()
		if n == 3 {
			once.Do(func() { close(done) })
		}
	})
	s.On("log.entryAdded", func(_ string, event interface{}) {
		mu.Lock()
		raw := event.(json.RawMessage)
		second = append(second, string(raw))
		mu.Unlock()
	})

	// Trigger the fake remote to learn its connection, then push events
	// directly from the test via a trivial command.
	go func() { _, _ = s.Execute(context.Background(), "session.status", nil, WithTimeout(100*time.Millisecond)) }()
	conn := <-connReady

	writeToRemote(t, conn, `{"type":"event","method":"log.entryAdded","params":{"n":1}}`)
	writeToRemote(t, conn, `{"type":"event","method":"log.entryAdded","params":{"n":2}}`)
	writeToRemote(t, conn, `{"type":"event","method":"log.entryAdded","params":{"n":3}}`)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events never fully delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, first)
	require.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, second)
}

// S6: graceful shutdown with an in-flight command.
func TestSessionStopFailsInFlightCommandWithSessionClosed(t *testing.T) {
	server := newFakeRemote(t, func(conn net.Conn, cmd inboundCommand) {
		// never reply
	})
	defer server.Close()

	s := New(testOptions()...)
	require.NoError(t, s.Start(context.Background(), wsURL(server)))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), "session.status", nil, WithTimeout(5*time.Second))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Stop())

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.True(t, IsSessionClosed(err))
	case <-time.After(2 * time.Second):
		t.Fatal("execute never returned after stop")
	}
}

func TestSessionStopIsIdempotent(t *testing.T) {
	s := New(testOptions()...)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	require.Equal(t, Stopped, s.State())
}

func TestSessionExecuteBeforeStartFailsWithNotStarted(t *testing.T) {
	s := New(testOptions()...)
	_, err := s.Execute(context.Background(), "session.status", nil)
	require.Error(t, err)
	var nse *NotStartedError
	require.ErrorAs(t, err, &nse)
}

func TestSessionStartRejectsSecondCall(t *testing.T) {
	server := newFakeRemote(t, func(conn net.Conn, cmd inboundCommand) {})
	defer server.Close()

	s := New(testOptions()...)
	require.NoError(t, s.Start(context.Background(), wsURL(server)))
	defer s.Stop()

	err := s.Start(context.Background(), wsURL(server))
	require.Error(t, err)
	var ase *AlreadyStartedError
	require.ErrorAs(t, err, &ase)
}

func TestSessionStartFailsWithStartupTimeoutAgainstDeadEndpoint(t *testing.T) {
	s := New(testOptions(WithStartupTimeout(100 * time.Millisecond))...)
	err := s.Start(context.Background(), "ws://127.0.0.1:1/unreachable")
	require.Error(t, err)
	var ste *StartupTimeoutError
	require.ErrorAs(t, err, &ste)
	require.Equal(t, Unstarted, s.State())
}

// Mid-flight abort: the remote end drops the connection, and the next
// command attempt observes it as ConnectionAbortedError rather than a
// generic or raw transport error.
func TestSessionExecuteAfterRemoteDropReturnsConnectionAborted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		conn.Close() // drop immediately so the client's writes start failing
	}))
	defer server.Close()

	s := New(testOptions()...)
	require.NoError(t, s.Start(context.Background(), wsURL(server)))
	defer s.Stop()

	require.Eventually(t, func() bool {
		_, err := s.Execute(context.Background(), "session.status", nil, WithTimeout(200*time.Millisecond))
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)

	_, err := s.Execute(context.Background(), "session.status", nil, WithTimeout(200*time.Millisecond))
	require.Error(t, err)
	require.True(t, IsConnectionAborted(err))
	var cae *ConnectionAbortedError
	require.ErrorAs(t, err, &cae)
}

func TestSessionIDIsStableAndUniquePerSession(t *testing.T) {
	a := New(testOptions()...)
	b := New(testOptions()...)
	require.NotEmpty(t, a.ID())
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, a.ID(), a.ID())
}

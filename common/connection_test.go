package common

import (
	"context"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrelbrowser/petrel/log"
	"github.com/petrelbrowser/petrel/tests/ws"
)

func TestConnectionRoundTrip(t *testing.T) {
	t.Parallel()

	var cmdsReceived []cdproto.MethodType
	srv := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPDefaultHandler, &cmdsReceived))

	conn, err := NewConnection(context.Background(), srv.URL("/cdp"), log.NewNullLogger())
	require.NoError(t, err)
	defer conn.Close()

	id := conn.nextCallID()
	params := mustMarshal(target.SetDiscoverTargets(true))
	require.NoError(t, conn.submitCommand(id, target.CommandSetDiscoverTargets, "", params))

	select {
	case msg := <-conn.recv():
		assert.Equal(t, id, msg.ID)
	case err := <-conn.errors():
		t.Fatalf("unexpected connection error: %s", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no response within 5s")
	}
}

func TestConnectionCallIDsAreSequential(t *testing.T) {
	t.Parallel()

	c := &Connection{}
	assert.Equal(t, int64(1), c.nextCallID())
	assert.Equal(t, int64(2), c.nextCallID())
	assert.Equal(t, int64(3), c.nextCallID())
}

func TestConnectionCallIDWraparound(t *testing.T) {
	t.Parallel()

	c := &Connection{callID: math.MaxInt64 - 1}
	assert.Equal(t, int64(math.MaxInt64), c.nextCallID())
	assert.Equal(t, int64(1), c.nextCallID(), "the id after the ceiling is 1, never 0")
}

func TestConnectionMalformedFrameIsTerminal(t *testing.T) {
	t.Parallel()

	srv := ws.NewServer(t)
	srv.Mux.HandleFunc("/raw", func(w http.ResponseWriter, req *http.Request) {
		wsConn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		// A frame with neither id nor method cannot be correlated.
		_ = wsConn.WriteMessage(websocket.TextMessage, []byte(`{"result":{}}`))
	})

	conn, err := NewConnection(context.Background(), srv.URL("/raw"), log.NewNullLogger())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case err := <-conn.errors():
		require.Error(t, err)
	case msg := <-conn.recv():
		t.Fatalf("malformed frame was delivered: %+v", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("no error within 5s")
	}
}

func TestConnectionAbnormalClosure(t *testing.T) {
	t.Parallel()

	srv := ws.NewServer(t, ws.WithClosureAbnormalHandler("/closure-abnormal"))

	conn, err := NewConnection(context.Background(), srv.URL("/closure-abnormal"), log.NewNullLogger())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case err := <-conn.errors():
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("no error within 5s")
	}

	select {
	case <-conn.closed():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not shut down within 5s")
	}
}

func TestConnectionGracefulClose(t *testing.T) {
	t.Parallel()

	srv := ws.NewServer(t, ws.WithEchoHandler("/echo"))

	conn, err := NewConnection(context.Background(), srv.URL("/echo"), log.NewNullLogger())
	require.NoError(t, err)

	require.NoError(t, conn.submitCommand(1, "Echo.echo", "", easyjson.RawMessage(`{}`)))

	select {
	case msg := <-conn.recv():
		assert.Equal(t, int64(1), msg.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no echo within 5s")
	}

	// The server closes with a normal closure after echoing; that must not
	// be reported as an error.
	select {
	case <-conn.closed():
	case err := <-conn.errors():
		t.Fatalf("normal closure reported as error: %s", err)
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not shut down within 5s")
	}
}

func TestConnectionSubmitAfterClose(t *testing.T) {
	t.Parallel()

	var cmdsReceived []cdproto.MethodType
	srv := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPDefaultHandler, &cmdsReceived))

	conn, err := NewConnection(context.Background(), srv.URL("/cdp"), log.NewNullLogger())
	require.NoError(t, err)

	conn.Close()
	<-conn.closed()

	// 32 is the send queue capacity; fill past it to prove nothing blocks.
	for i := 0; i < 64; i++ {
		err = conn.submitCommand(int64(i+1), target.CommandSetDiscoverTargets, "", nil)
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

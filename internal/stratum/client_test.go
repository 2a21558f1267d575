package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/Pdpe/grin-miner/pkg/log"
	"github.com/Pdpe/grin-miner/pkg/retry"
)

func testLogger() *log.Logger {
	return log.New("stratum-test", "dev", "error", "text")
}

func testBackoff() *retry.Config {
	return &retry.Config{
		MaxAttempts: 10,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      false,
	}
}

// fakeNode is the server side of a piped stratum session
type fakeNode struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (n *fakeNode) read(t *testing.T) *Message {
	t.Helper()
	_ = n.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := n.reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	msg, err := ParseMessage(line)
	if err != nil {
		t.Fatalf("server received garbage: %v", err)
	}
	return msg
}

func (n *fakeNode) send(t *testing.T, raw string) {
	t.Helper()
	_ = n.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := n.conn.Write([]byte(raw + "\n")); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
}

// startClient runs a client whose dials produce piped connections; the
// server sides arrive on the returned channel.
func startClient(t *testing.T, cfg *Config) (*Client, chan *fakeNode) {
	t.Helper()

	if cfg.Backoff == nil {
		cfg.Backoff = testBackoff()
	}
	if cfg.Addr == "" {
		cfg.Addr = "test:13416"
	}

	nodes := make(chan *fakeNode, 4)
	client := NewClient(cfg, testLogger())
	client.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		clientSide, serverSide := net.Pipe()
		nodes <- &fakeNode{conn: serverSide, reader: bufio.NewReader(serverSide)}
		return clientSide, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = client.Run(ctx) }()

	t.Cleanup(func() {
		client.Stop()
		cancel()
	})

	return client, nodes
}

func nextNode(t *testing.T, nodes chan *fakeNode) *fakeNode {
	t.Helper()
	select {
	case n := <-nodes:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func waitEvent(t *testing.T, client *Client, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-client.Events():
			if !ok {
				t.Fatal("event stream closed while waiting")
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func TestClientLoginHandshake(t *testing.T) {
	client, nodes := startClient(t, &Config{
		Login:    "miner@example.com",
		Password: "x",
	})
	node := nextNode(t, nodes)

	login := node.read(t)
	if login.Method != MethodLogin {
		t.Fatalf("Expected login first, got %s", login.Method)
	}
	if client.State() != StateAuthenticating {
		t.Errorf("Expected authenticating state, got %s", client.State())
	}

	node.send(t, fmt.Sprintf(`{"id":"%v","jsonrpc":"2.0","method":"login","result":"ok"}`, login.ID))
	waitEvent(t, client, EventConnected)

	if client.State() != StateReady {
		t.Errorf("Expected ready state, got %s", client.State())
	}

	// A fresh job is requested right after login
	jobReq := node.read(t)
	if jobReq.Method != MethodGetJobTemplate {
		t.Fatalf("Expected getjobtemplate after login, got %s", jobReq.Method)
	}

	node.send(t, fmt.Sprintf(`{"id":"%v","jsonrpc":"2.0","method":"getjobtemplate","result":{"difficulty":1,"height":100,"job_id":7,"pre_pow":"0001"}}`, jobReq.ID))
	ev := waitEvent(t, client, EventJobReceived)
	if ev.Job == nil || ev.Job.Height != 100 || ev.Job.JobID != 7 {
		t.Errorf("Unexpected job template: %+v", ev.Job)
	}
}

func TestClientJobPushAndGarbledLines(t *testing.T) {
	client, nodes := startClient(t, &Config{})
	node := nextNode(t, nodes)

	waitEvent(t, client, EventConnected)
	_ = node.read(t) // getjobtemplate

	// A corrupt line must be skipped, not kill the session
	node.send(t, `{garbage`)
	node.send(t, `{"id":"Stratum","jsonrpc":"2.0","method":"job","params":{"difficulty":2,"height":101,"job_id":8,"pre_pow":"0002"}}`)

	ev := waitEvent(t, client, EventJobReceived)
	if ev.Job.Height != 101 {
		t.Errorf("Expected height 101, got %d", ev.Job.Height)
	}
	if client.State() != StateReady {
		t.Errorf("Session should survive garbled line, state %s", client.State())
	}
}

func TestClientSubmitCorrelation(t *testing.T) {
	client, nodes := startClient(t, &Config{})
	node := nextNode(t, nodes)

	waitEvent(t, client, EventConnected)
	_ = node.read(t) // getjobtemplate

	params := SubmitParams{Height: 100, JobID: 7, EdgeBits: 31, Nonce: 42, Pow: []uint64{1, 2, 3}}

	accepted, err := client.SubmitShare(params)
	if err != nil {
		t.Fatalf("SubmitShare failed: %v", err)
	}
	submit := node.read(t)
	if submit.Method != MethodSubmit {
		t.Fatalf("Expected submit, got %s", submit.Method)
	}
	node.send(t, fmt.Sprintf(`{"id":"%v","jsonrpc":"2.0","method":"submit","result":"ok"}`, submit.ID))

	ev := waitEvent(t, client, EventSubmitResult)
	if ev.Handle != accepted {
		t.Errorf("Expected handle %s, got %s", accepted, ev.Handle)
	}
	if !ev.Accepted {
		t.Error("Expected accepted result")
	}

	rejected, err := client.SubmitShare(params)
	if err != nil {
		t.Fatalf("SubmitShare failed: %v", err)
	}
	submit = node.read(t)
	node.send(t, fmt.Sprintf(`{"id":"%v","jsonrpc":"2.0","method":"submit","error":{"code":-32501,"message":"Share rejected due to low difficulty"}}`, submit.ID))

	ev = waitEvent(t, client, EventSubmitResult)
	if ev.Handle != rejected {
		t.Errorf("Expected handle %s, got %s", rejected, ev.Handle)
	}
	if ev.Accepted {
		t.Error("Expected rejected result")
	}
	if ev.RejectReason != "Share rejected due to low difficulty" {
		t.Errorf("Unexpected reject reason %q", ev.RejectReason)
	}
}

func TestClientSubmitQueueWhileDisconnected(t *testing.T) {
	client := NewClient(&Config{
		Addr:            "test:13416",
		SubmitQueueSize: 2,
		Backoff:         testBackoff(),
	}, testLogger())

	for i := 0; i < 4; i++ {
		if _, err := client.SubmitShare(SubmitParams{Nonce: uint64(i)}); err != nil {
			t.Fatalf("SubmitShare failed: %v", err)
		}
	}

	// Oldest entries are dropped once the bound is hit
	if got := client.QueuedSubmits(); got != 2 {
		t.Errorf("Expected 2 queued submits, got %d", got)
	}
}

func TestClientSubmitQueueOverflowReportsLost(t *testing.T) {
	client := NewClient(&Config{
		Addr:            "test:13416",
		SubmitQueueSize: 1,
		Backoff:         testBackoff(),
	}, testLogger())

	h1, err := client.SubmitShare(SubmitParams{Nonce: 1})
	if err != nil {
		t.Fatalf("SubmitShare failed: %v", err)
	}
	if _, err := client.SubmitShare(SubmitParams{Nonce: 2}); err != nil {
		t.Fatalf("SubmitShare failed: %v", err)
	}

	// The dropped share surfaces as a lost result so its handle is settled
	ev := waitEvent(t, client, EventSubmitResult)
	if ev.Handle != h1 {
		t.Errorf("Expected dropped handle %s, got %s", h1, ev.Handle)
	}
	if ev.Accepted {
		t.Error("Dropped submission must not be accepted")
	}
	if ev.RejectReason != ReasonConnectionLost {
		t.Errorf("Unexpected reason %q", ev.RejectReason)
	}
	if client.QueuedSubmits() != 1 {
		t.Errorf("Expected 1 queued submit, got %d", client.QueuedSubmits())
	}
}

func TestClientQueuedSubmitsFlushOnConnect(t *testing.T) {
	client, nodes := startClient(t, &Config{Login: "miner@example.com"})
	node := nextNode(t, nodes)

	// The session stays in Authenticating until login is answered, so
	// these queue rather than transmit
	login := node.read(t)
	h1, _ := client.SubmitShare(SubmitParams{Height: 100, JobID: 7, Nonce: 1})
	h2, _ := client.SubmitShare(SubmitParams{Height: 100, JobID: 7, Nonce: 2})
	if client.QueuedSubmits() != 2 {
		t.Fatalf("Expected 2 queued submits, got %d", client.QueuedSubmits())
	}

	node.send(t, fmt.Sprintf(`{"id":"%v","jsonrpc":"2.0","method":"login","result":"ok"}`, login.ID))
	waitEvent(t, client, EventConnected)

	// Flush order precedes the job request and preserves submission order
	first := node.read(t)
	second := node.read(t)
	jobReq := node.read(t)

	if first.Method != MethodSubmit || fmt.Sprintf("%v", first.ID) != string(h1) {
		t.Errorf("Expected first queued submit %s, got %s id=%v", h1, first.Method, first.ID)
	}
	if second.Method != MethodSubmit || fmt.Sprintf("%v", second.ID) != string(h2) {
		t.Errorf("Expected second queued submit %s, got %s id=%v", h2, second.Method, second.ID)
	}
	if jobReq.Method != MethodGetJobTemplate {
		t.Errorf("Expected getjobtemplate last, got %s", jobReq.Method)
	}

	if client.QueuedSubmits() != 0 {
		t.Errorf("Queue should be empty after flush, has %d", client.QueuedSubmits())
	}
}

func TestClientReconnectAfterServerClose(t *testing.T) {
	client, nodes := startClient(t, &Config{})
	node := nextNode(t, nodes)

	waitEvent(t, client, EventConnected)
	_ = node.read(t) // getjobtemplate

	_ = node.conn.Close()
	waitEvent(t, client, EventConnectionLost)

	node = nextNode(t, nodes)
	waitEvent(t, client, EventConnected)
	_ = node.read(t) // getjobtemplate after re-login

	if client.Reconnects() != 1 {
		t.Errorf("Expected 1 reconnect, got %d", client.Reconnects())
	}
	if client.State() != StateReady {
		t.Errorf("Expected ready after reconnect, got %s", client.State())
	}
}

func TestClientInflightSubmitLostOnDisconnect(t *testing.T) {
	client, nodes := startClient(t, &Config{})
	node := nextNode(t, nodes)

	waitEvent(t, client, EventConnected)
	_ = node.read(t) // getjobtemplate

	handle, err := client.SubmitShare(SubmitParams{Height: 100, JobID: 7, Nonce: 9})
	if err != nil {
		t.Fatalf("SubmitShare failed: %v", err)
	}
	_ = node.read(t) // the submit reaches the wire, then the server dies
	_ = node.conn.Close()

	// The in-flight submission is reported lost before the connection-lost
	// event so its outcome is never left dangling
	ev := waitEvent(t, client, EventSubmitResult)
	if ev.Handle != handle {
		t.Errorf("Expected handle %s, got %s", handle, ev.Handle)
	}
	if ev.Accepted {
		t.Error("Lost submission must not be accepted")
	}
	if ev.RejectReason != ReasonConnectionLost {
		t.Errorf("Unexpected reason %q", ev.RejectReason)
	}

	waitEvent(t, client, EventConnectionLost)

	// Service the reconnect so cleanup does not race the dial loop
	node = nextNode(t, nodes)
	_ = node
}

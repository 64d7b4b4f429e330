package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	reconnectMin    = 1 * time.Second
	reconnectMax    = 60 * time.Second
	responseTimeout = 30 * time.Second
	wsReadLimit     = 32 << 20
)

// wsConn is the subset of *websocket.Conn the client uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func dialWebsocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(wsReadLimit)

	return conn, nil
}

// wsFrame wraps an RPC request with an id the node echoes back.
type wsFrame struct {
	ID uint64 `json:"id"`
	rpcRequest
}

// WSClient sends the same JSON-RPC requests as Client over one
// persistent websocket. Requests are serialized on the connection.
// A broken connection is redialed with jittered exponential backoff on
// the next call.
type WSClient struct {
	url     string
	signer  Signer
	limiter *rate.Limiter
	logger  *slog.Logger
	dial    dialFunc
	now     func() time.Time

	mu      sync.Mutex
	conn    wsConn
	nextID  uint64
	backoff time.Duration
}

// NewWSClient creates a websocket storage client for url (ws:// or
// wss://). The connection is opened on first use.
func NewWSClient(url string, signer Signer, requestsPerSecond float64, logger *slog.Logger) *WSClient {
	return &WSClient{
		url:     url,
		signer:  signer,
		limiter: newLimiter(requestsPerSecond),
		logger:  logger,
		dial:    dialWebsocket,
		now:     time.Now,
	}
}

// Close closes the underlying connection if open.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return nil
	}

	err := w.conn.Close(websocket.StatusNormalClosure, "closing")
	w.conn = nil

	return err
}

// connect dials until a connection is established or ctx ends.
// Caller holds w.mu.
func (w *WSClient) connect(ctx context.Context) error {
	for w.conn == nil {
		if w.backoff > 0 {
			jitter := time.Duration(rand.Int64N(int64(w.backoff)/2 + 1))
			timer := time.NewTimer(w.backoff + jitter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		conn, err := w.dial(ctx, w.url)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			w.backoff = min(max(w.backoff*2, reconnectMin), reconnectMax)
			w.logger.Warn("websocket dial failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", w.backoff),
			)

			continue
		}

		w.conn = conn
		w.backoff = 0
	}

	return nil
}

// roundTrip writes req and reads frames until the reply with the same
// id arrives.
func (w *WSClient) roundTrip(ctx context.Context, req rpcRequest) ([]byte, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", w.url, err)
	}

	w.nextID++
	id := w.nextID

	data, err := json.Marshal(wsFrame{ID: id, rpcRequest: req})
	if err != nil {
		return nil, fmt.Errorf("marshalling message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, responseTimeout)
	defer cancel()

	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		w.drop()
		return nil, fmt.Errorf("writing %s: %w", req.Method, err)
	}

	for {
		_, msg, err := w.conn.Read(ctx)
		if err != nil {
			w.drop()
			return nil, fmt.Errorf("reading %s reply: %w", req.Method, err)
		}

		if gjson.GetBytes(msg, "id").Uint() != id {
			w.logger.Debug("dropping unmatched websocket frame", slog.Int("bytes", len(msg)))
			continue
		}

		if code := gjson.GetBytes(msg, "status").Int(); code != 0 && code != 200 {
			return nil, fmt.Errorf("node %s returned status %d", req.Method, code)
		}

		return []byte(gjson.GetBytes(msg, "result").Raw), nil
	}
}

// drop discards a connection after an I/O error. Caller holds w.mu.
func (w *WSClient) drop() {
	if w.conn != nil {
		w.conn.Close(websocket.StatusInternalError, "io error")
		w.conn = nil
	}
}

// SendBatch implements Sender over the websocket.
func (w *WSClient) SendBatch(ctx context.Context, dest string, reqs []SubRequest, method Method) ([]Result, error) {
	subs, err := encodeSubRequests(w.signer, dest, reqs, w.now())
	if err != nil {
		return nil, err
	}

	body, err := w.roundTrip(ctx, rpcRequest{Method: string(method), Params: sequenceParams{Requests: subs}})
	if err != nil {
		return nil, fmt.Errorf("sending %s to %s: %w", method, short(dest), err)
	}

	return parseResults(body)
}

// Retrieve implements Sender over the websocket.
func (w *WSClient) Retrieve(ctx context.Context, dest string, ns Namespace, lastHash string) ([]RetrievedMessage, error) {
	req, err := encodeRetrieve(w.signer, dest, ns, lastHash, w.now())
	if err != nil {
		return nil, err
	}

	body, err := w.roundTrip(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("retrieving %s for %s: %w", ns, short(dest), err)
	}

	return parseRetrieve(body, ns)
}

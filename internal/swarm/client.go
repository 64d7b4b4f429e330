package swarm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const rpcPath = "/storage_rpc/v1"

// maxResponseSize bounds how much of a node reply is read.
const maxResponseSize = 32 << 20

// Client talks to a storage node over HTTP JSON-RPC.
type Client struct {
	httpClient *http.Client
	baseURL    string
	signer     Signer
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewClient creates a storage client for the node at baseURL. If
// httpClient is nil, http.DefaultClient is used. requestsPerSecond
// bounds outgoing calls; zero disables the limit.
func NewClient(httpClient *http.Client, baseURL string, signer Signer, requestsPerSecond float64) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		signer:     signer,
		limiter:    newLimiter(requestsPerSecond),
		now:        time.Now,
	}
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}

	return rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
}

// post sends one JSON-RPC request and returns the raw response body.
func (c *Client) post(ctx context.Context, body rpcRequest) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+rpcPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending %s request: %w", body.Method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", body.Method, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node %s returned status %d: %s", body.Method, resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// SendBatch signs reqs for dest and sends them as one sequence or batch
// call. Results are returned in request order.
func (c *Client) SendBatch(ctx context.Context, dest string, reqs []SubRequest, method Method) ([]Result, error) {
	subs, err := encodeSubRequests(c.signer, dest, reqs, c.now())
	if err != nil {
		return nil, err
	}

	body, err := c.post(ctx, rpcRequest{Method: string(method), Params: sequenceParams{Requests: subs}})
	if err != nil {
		return nil, fmt.Errorf("sending %s to %s: %w", method, short(dest), err)
	}

	return parseResults(body)
}

// Retrieve returns messages stored in ns for dest after lastHash.
func (c *Client) Retrieve(ctx context.Context, dest string, ns Namespace, lastHash string) ([]RetrievedMessage, error) {
	req, err := encodeRetrieve(c.signer, dest, ns, lastHash, c.now())
	if err != nil {
		return nil, err
	}

	body, err := c.post(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("retrieving %s for %s: %w", ns, short(dest), err)
	}

	return parseRetrieve(body, ns)
}

func short(pk string) string {
	if len(pk) <= 10 {
		return pk
	}

	return pk[:10]
}

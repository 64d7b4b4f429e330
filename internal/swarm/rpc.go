package swarm

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// rpcRequest is the JSON-RPC envelope understood by storage nodes.
type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type sequenceParams struct {
	Requests []rpcRequest `json:"requests"`
}

// signaturePayload builds the bytes a node verifies for a request.
// The namespace is omitted for the default namespace.
func signaturePayload(method string, ns Namespace, ts int64) []byte {
	var b strings.Builder
	b.WriteString(method)

	if ns != NamespaceDefault {
		b.WriteString(strconv.Itoa(int(ns)))
	}

	b.WriteString(strconv.FormatInt(ts, 10))

	return []byte(b.String())
}

func authParams(params map[string]any, auth Auth) {
	params["signature"] = base64.StdEncoding.EncodeToString(auth.Signature)
	if auth.PubKeyEd25519 != "" {
		params["pubkey_ed25519"] = auth.PubKeyEd25519
	}
}

// encodeSubRequests signs and encodes every sub-request for dest.
func encodeSubRequests(signer Signer, dest string, reqs []SubRequest, now time.Time) ([]rpcRequest, error) {
	out := make([]rpcRequest, 0, len(reqs))

	for i, req := range reqs {
		var params map[string]any

		switch r := req.(type) {
		case StoreRequest:
			ts := r.Timestamp
			if ts.IsZero() {
				ts = now
			}

			ms := ts.UnixMilli()
			auth, err := signer.SignFor(dest, signaturePayload("store", r.Namespace, ms))
			if err != nil {
				return nil, fmt.Errorf("signing store %d: %w", i, err)
			}

			params = map[string]any{
				"pubkey":    dest,
				"namespace": int(r.Namespace),
				"data":      base64.StdEncoding.EncodeToString(r.Data),
				"ttl":       r.TTL.Milliseconds(),
				"timestamp": ms,
			}
			authParams(params, auth)
		case DeleteHashesRequest:
			payload := []byte("delete" + strings.Join(r.Hashes, ""))

			auth, err := signer.SignFor(dest, payload)
			if err != nil {
				return nil, fmt.Errorf("signing delete %d: %w", i, err)
			}

			params = map[string]any{
				"pubkey":   dest,
				"messages": r.Hashes,
			}
			authParams(params, auth)
		default:
			return nil, fmt.Errorf("unsupported sub-request %T", req)
		}

		out = append(out, rpcRequest{Method: req.rpcMethod(), Params: params})
	}

	return out, nil
}

func encodeRetrieve(signer Signer, dest string, ns Namespace, lastHash string, now time.Time) (rpcRequest, error) {
	ms := now.UnixMilli()

	auth, err := signer.SignFor(dest, signaturePayload("retrieve", ns, ms))
	if err != nil {
		return rpcRequest{}, fmt.Errorf("signing retrieve: %w", err)
	}

	params := map[string]any{
		"pubkey":    dest,
		"namespace": int(ns),
		"timestamp": ms,
	}
	if lastHash != "" {
		params["last_hash"] = lastHash
	}

	authParams(params, auth)

	return rpcRequest{Method: "retrieve", Params: params}, nil
}

// parseResults reads the positional results array of a sequence or
// batch reply. The slice is returned as-is so callers can detect a
// length mismatch.
func parseResults(body []byte) ([]Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON in batch response")
	}

	results := gjson.GetBytes(body, "results")
	if !results.IsArray() {
		return nil, fmt.Errorf("batch response has no results array")
	}

	var out []Result

	results.ForEach(func(_, item gjson.Result) bool {
		r := Result{Code: int(item.Get("code").Int())}

		b := item.Get("body")
		r.Body = b.Raw
		if b.IsObject() {
			r.Hash = b.Get("hash").String()
		}

		out = append(out, r)

		return true
	})

	return out, nil
}

func parseRetrieve(body []byte, ns Namespace) ([]RetrievedMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON in retrieve response")
	}

	var (
		out    []RetrievedMessage
		decErr error
	)

	gjson.GetBytes(body, "messages").ForEach(func(_, m gjson.Result) bool {
		data, err := base64.StdEncoding.DecodeString(m.Get("data").String())
		if err != nil {
			decErr = fmt.Errorf("decoding message %s: %w", m.Get("hash").String(), err)
			return false
		}

		out = append(out, RetrievedMessage{
			Hash:      m.Get("hash").String(),
			Namespace: ns,
			Data:      data,
			Timestamp: m.Get("timestamp").Int(),
		})

		return true
	})

	if decErr != nil {
		return nil, decErr
	}

	return out, nil
}

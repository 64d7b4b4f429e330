package swarm

import (
	"context"
	"time"
)

// Method selects how a storage node executes a list of sub-requests.
type Method string

const (
	// MethodSequence runs sub-requests in order and stops reporting at
	// the first failure.
	MethodSequence Method = "sequence"
	// MethodBatch runs sub-requests independently.
	MethodBatch Method = "batch"
)

// SubRequest is one entry of a sequence or batch call. It is either a
// StoreRequest or a DeleteHashesRequest.
type SubRequest interface {
	rpcMethod() string
}

// StoreRequest stores Data under Namespace on the destination swarm.
type StoreRequest struct {
	Namespace Namespace
	Data      []byte
	TTL       time.Duration
	// Timestamp is the network-adjusted send time. Zero means now.
	Timestamp time.Time
}

func (StoreRequest) rpcMethod() string { return "store" }

// DeleteHashesRequest deletes previously stored messages by hash.
type DeleteHashesRequest struct {
	Hashes []string
}

func (DeleteHashesRequest) rpcMethod() string { return "delete" }

// Result is the outcome of a single sub-request, in request order.
// Hash is set for successful stores.
type Result struct {
	Code int
	Hash string
	Body string
}

// OK reports whether the sub-request succeeded.
func (r Result) OK() bool {
	return r.Code == 200
}

// RetrievedMessage is one stored message returned by a retrieve call.
type RetrievedMessage struct {
	Hash      string
	Namespace Namespace
	Data      []byte
	// Timestamp is the storage time in unix milliseconds.
	Timestamp int64
}

// Auth carries the signature a storage node checks for one request.
type Auth struct {
	// PubKeyEd25519 is the hex ed25519 key that produced Signature. For
	// account destinations it differs from the 05-prefixed id.
	PubKeyEd25519 string
	Signature     []byte
}

// Signer signs request payloads on behalf of a destination. The
// account signs with its own key, groups with the group key.
type Signer interface {
	SignFor(dest string, payload []byte) (Auth, error)
}

// Sender is the full storage-network surface used by the sync core.
type Sender interface {
	SendBatch(ctx context.Context, dest string, reqs []SubRequest, method Method) ([]Result, error)
	Retrieve(ctx context.Context, dest string, ns Namespace, lastHash string) ([]RetrievedMessage, error)
}

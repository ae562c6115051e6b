// Package wire implements the RPC envelope and reply shapes the proxy
// understands on the client-facing and upstream-facing sides of the query
// protocol.
package wire

import (
	"encoding/json"
	"strings"
)

// Envelope tags. Values are opaque identifiers assigned by the RPC schema;
// the proxy only switches on them, it never interprets them further.
const (
	TagQuery                = uint32(1)
	TagAdminQuery           = uint32(2)
	TagWaitMasterchainSeqno = uint32(3)
)

// QueryKindGetMasterchainInfo is the well-known query the Upstream Client
// issues to probe an upstream's reported chain time.
const QueryKindGetMasterchainInfo = uint32(1)

// Envelope is the fixed wrapper every client and upstream exchange carries.
type Envelope struct {
	Tag     uint32          `json:"tag"`
	ID      uint64          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal appends the newline framing delimiter used by the downstream and
// upstream readers.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Unmarshal parses a single framed envelope.
func (e *Envelope) Unmarshal(data []byte) error {
	return json.Unmarshal(data, e)
}

// WaitMasterchainSeqnoPayload wraps an ordinary query, requesting a minimum
// chain height be reached before the inner query is answered. The proxy
// does not itself wait on chain height; it forwards the wrapped payload
// verbatim to the chosen upstream, which is expected to honour the wait.
type WaitMasterchainSeqnoPayload struct {
	MinSeqno uint32          `json:"min_seqno"`
	Inner    json.RawMessage `json:"inner"`
}

// ErrorReply is the framed error object described in the external
// interfaces: a numeric code plus a human-readable message.
type ErrorReply struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

// Error codes the proxy itself originates.
const (
	CodeRateLimited = int32(228)
	CodeRefire      = int32(228)
)

// NewErrorReply builds a framed error reply.
func NewErrorReply(code int32, message string) ErrorReply {
	return ErrorReply{Code: code, Message: message}
}

// Marshal renders an ErrorReply as an envelope payload.
func (e ErrorReply) Marshal() (json.RawMessage, error) {
	return json.Marshal(e)
}

// ParseSoftError attempts to read payload as a framed error object. It
// returns ok=false for any payload that is not a JSON object carrying both
// a numeric "code" and a string "message" — i.e. an ordinary success
// payload.
func ParseSoftError(payload json.RawMessage) (ErrorReply, bool) {
	if len(payload) == 0 {
		return ErrorReply{}, false
	}
	var candidate struct {
		Code    *int32  `json:"code"`
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(payload, &candidate); err != nil {
		return ErrorReply{}, false
	}
	if candidate.Code == nil || candidate.Message == nil {
		return ErrorReply{}, false
	}
	return ErrorReply{Code: *candidate.Code, Message: *candidate.Message}, true
}

// RefireAllowList is the known-safe set of upstream error substrings the
// fan-out waiter treats as retryable. Do not add entries without a
// concrete observed race in upstream state snapshots — see the design
// notes this preserves.
var RefireAllowList = []string{
	"not found",
	"get account state",
}

// IsRefireEligible reports whether message matches an entry on
// RefireAllowList.
func IsRefireEligible(message string) bool {
	lower := strings.ToLower(message)
	for _, entry := range RefireAllowList {
		if strings.Contains(lower, entry) {
			return true
		}
	}
	return false
}

// MasterchainInfoReply is the minimal shape the proxy parses out of a
// freshness probe response.
type MasterchainInfoReply struct {
	LastUtime int64 `json:"last_utime"`
}

// AddUserCommand is the admin mutation payload.
type AddUserCommand struct {
	PubKey     [32]byte `json:"pubkey"`
	ValidUntil int64    `json:"valid_until"`
	RateLimit  int32    `json:"rate_limit"`
}

// NewUserReply acknowledges a successful add_user.
type NewUserReply struct {
	PubKey  [32]byte `json:"pubkey"`
	ShortID [32]byte `json:"short_id"`
}

package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rickgao/solana-ws-proxy/internal/subscription"
)

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

// clientRequest is one JSON object received from a client.
type clientRequest struct {
	Action         string          `json:"action"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params"`
	SubscriptionID string          `json:"subscriptionId"`
}

// subscribedReply confirms a subscribe.
type subscribedReply struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscriptionId"`
	Method         string `json:"method"`
}

// unsubscribedReply confirms an unsubscribe.
type unsubscribedReply struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscriptionId"`
}

// errorReply reports a failed request. The connection stays open.
type errorReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// parseRequest validates one client message against the protocol and
// the method whitelist.
func parseRequest(raw []byte) (*clientRequest, error) {
	var req clientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON")
	}

	switch req.Action {
	case actionSubscribe:
		if !subscription.IsSubscribeMethod(req.Method) {
			return nil, fmt.Errorf("unknown method %q, supported: %s",
				req.Method, strings.Join(subscription.Methods(), ", "))
		}
		if len(req.Params) > 0 {
			var elems []json.RawMessage
			if err := json.Unmarshal(req.Params, &elems); err != nil {
				return nil, fmt.Errorf("params must be an array")
			}
		}
		return &req, nil

	case actionUnsubscribe:
		if req.SubscriptionID == "" {
			return nil, fmt.Errorf("subscriptionId is required")
		}
		return &req, nil

	default:
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}
}

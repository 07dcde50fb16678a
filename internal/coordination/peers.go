package coordination

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrPeerUnavailable = errors.New("coordination: peer unavailable")
	ErrUnknownPeer     = errors.New("coordination: unknown peer")
)

// PeerEndpoint names one sibling component's coordination surface.
type PeerEndpoint struct {
	Name      string
	BaseURL   string
	AuthToken string
}

// PeerChannel is an authenticated client handle to one peer. Channels are
// replaced wholesale on reconfigure, never mutated in place. Requests carry
// the local component's identity so the receiver can resolve per-caller
// credentials.
type PeerChannel struct {
	name    string
	from    string
	baseURL string
	token   string
	client  *http.Client
}

func newPeerChannel(ep PeerEndpoint, from string, timeout time.Duration) *PeerChannel {
	return &PeerChannel{
		name:    ep.Name,
		from:    from,
		baseURL: strings.TrimRight(strings.TrimSpace(ep.BaseURL), "/"),
		token:   ep.AuthToken,
		client:  &http.Client{Timeout: timeout},
	}
}

// Send posts one coordination request to the peer and decodes its response.
func (p *PeerChannel) Send(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/coordination", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}
	httpReq.Header.Set("X-Concord-Peer", p.from)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %s: %v", ErrPeerUnavailable, p.name, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("%w: %s: decode response: %v", ErrPeerUnavailable, p.name, err)
	}
	if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
		return resp, fmt.Errorf("%w: %s: rejected by peer %s", ErrPeerUnavailable, httpResp.Status, p.name)
	}
	return resp, nil
}

package drm

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ManuGH/xglive/internal/resilience"
)

// HTTPProvider requests keys from a license service:
//
//	POST <base>/keys {"channelId": "...", "rotationId": 7}
//	-> 200 {"keyId": "...", "key": "<32 hex chars>", "uri": "..."}
type HTTPProvider struct {
	base    string
	client  *http.Client
	backoff resilience.Backoff
}

// NewHTTPProvider builds a client with bounded retry.
func NewHTTPProvider(base string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPProvider{
		base:    strings.TrimRight(base, "/"),
		client:  client,
		backoff: resilience.Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Attempts: 3},
	}
}

type keyRequest struct {
	ChannelID  string `json:"channelId"`
	RotationID uint64 `json:"rotationId"`
}

type keyResponse struct {
	KeyID string `json:"keyId"`
	Key   string `json:"key"`
	URI   string `json:"uri"`
}

func (p *HTTPProvider) IssueKey(ctx context.Context, channelID string, rotationID uint64) (ContentKey, error) {
	body, err := json.Marshal(keyRequest{ChannelID: channelID, RotationID: rotationID})
	if err != nil {
		return ContentKey{}, err
	}
	var out ContentKey
	err = resilience.Retry(ctx, p.backoff, func(ctx context.Context, _ int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/keys", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: %v", resilience.ErrPermanent, err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("license service: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: license service: status %d", resilience.ErrPermanent, resp.StatusCode)
		}
		var kr keyResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&kr); err != nil {
			return fmt.Errorf("%w: decode key response: %v", resilience.ErrPermanent, err)
		}
		key, err := hex.DecodeString(kr.Key)
		if err != nil || len(key) != KeySize || kr.KeyID == "" {
			return fmt.Errorf("%w: invalid key material", resilience.ErrPermanent)
		}
		out = ContentKey{KeyID: kr.KeyID, Key: key, URI: kr.URI}
		return nil
	})
	if err != nil {
		return ContentKey{}, fmt.Errorf("issue key %s/%d: %w", channelID, rotationID, err)
	}
	return out, nil
}

var _ KeyProvider = (*HTTPProvider)(nil)

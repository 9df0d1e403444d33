// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package drm is the content-key boundary. Key issuance and licensing belong
// to an external service; this package only fetches keys for encryption.
package drm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-128 key length.
const KeySize = 16

// ContentKey is the key material for one rotation period.
type ContentKey struct {
	KeyID string
	Key   []byte
	URI   string // where players fetch the key (HLS #EXT-X-KEY URI)
}

// KeyProvider issues content keys keyed by rotation id.
type KeyProvider interface {
	IssueKey(ctx context.Context, channelID string, rotationID uint64) (ContentKey, error)
}

// ErrNoSecret is returned by DerivedProvider when it has no master secret.
var ErrNoSecret = errors.New("drm: master secret not configured")

// DerivedProvider derives keys from a master secret with HKDF-SHA256. It is
// intended for development and tests; production deployments use HTTPProvider.
type DerivedProvider struct {
	secret  []byte
	uriBase string
}

// NewDerivedProvider returns a provider. uriBase prefixes key URIs
// ("<uriBase>/<channel>/<keyID>").
func NewDerivedProvider(secret, uriBase string) *DerivedProvider {
	return &DerivedProvider{secret: []byte(secret), uriBase: strings.TrimRight(uriBase, "/")}
}

func (p *DerivedProvider) IssueKey(_ context.Context, channelID string, rotationID uint64) (ContentKey, error) {
	if len(p.secret) == 0 {
		return ContentKey{}, ErrNoSecret
	}
	info := fmt.Sprintf("xglive/%s/%d", channelID, rotationID)
	r := hkdf.New(sha256.New, p.secret, []byte(channelID), []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return ContentKey{}, fmt.Errorf("derive key: %w", err)
	}
	idSum := sha256.Sum256(append([]byte(info), key...))
	keyID := hex.EncodeToString(idSum[:KeySize])
	return ContentKey{
		KeyID: keyID,
		Key:   key,
		URI:   fmt.Sprintf("%s/%s/%s", p.uriBase, channelID, keyID),
	}, nil
}

var _ KeyProvider = (*DerivedProvider)(nil)

// Package keyderiv derives per-escrow deposit addresses from a threshold
// ECDSA key held by an external signing service. No private key material
// ever enters this process.
package keyderiv

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/traces"
)

// ErrInvalidPublicKey is returned when the key service answers with bytes
// that are not a secp256k1 point.
var ErrInvalidPublicKey = errors.New("keyderiv: invalid public key")

// KeyID names the threshold key to derive from.
type KeyID struct {
	Curve string `json:"curve"`
	Name  string `json:"name"`
}

type publicKeyRequest struct {
	KeyID          KeyID    `json:"key_id"`
	DerivationPath []string `json:"derivation_path"`
}

type publicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// DerivationPath returns the hex-encoded path for an escrow: the service
// identity followed by the escrow id as 8 big-endian bytes.
func DerivationPath(identity string, escrowID uint64) []string {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], escrowID)
	return []string{hex.EncodeToString([]byte(identity)), hex.EncodeToString(id[:])}
}

// AddressFromPublicKey converts a SEC1 secp256k1 public key (33-byte
// compressed or 65-byte uncompressed) into an EIP-55 address.
func AddressFromPublicKey(raw []byte) (string, error) {
	var pub *ecdsa.PublicKey
	var err error
	switch len(raw) {
	case 33:
		pub, err = crypto.DecompressPubkey(raw)
	case 65:
		pub, err = crypto.UnmarshalPubkey(raw)
	default:
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidPublicKey, len(raw))
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// RemoteSigner asks a threshold signing service for the derived public key
// of each escrow. Lookups are idempotent and retried.
type RemoteSigner struct {
	baseURL  string
	identity string
	keyID    KeyID
	http     *http.Client
	policy   retry.Policy
	logger   *slog.Logger
}

// NewRemoteSigner creates a signer client for the given key name.
func NewRemoteSigner(baseURL, identity, keyName string, timeout time.Duration) *RemoteSigner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteSigner{
		baseURL:  strings.TrimRight(baseURL, "/"),
		identity: identity,
		keyID:    KeyID{Curve: "secp256k1", Name: keyName},
		http:     &http.Client{Timeout: timeout},
		policy:   retry.DefaultPolicy,
		logger:   slog.Default(),
	}
}

// WithLogger sets a structured logger.
func (s *RemoteSigner) WithLogger(l *slog.Logger) *RemoteSigner {
	s.logger = l
	return s
}

// WithRetryPolicy overrides the retry policy.
func (s *RemoteSigner) WithRetryPolicy(p retry.Policy) *RemoteSigner {
	s.policy = p
	return s
}

// DeriveAddress returns the deposit address for an escrow.
func (s *RemoteSigner) DeriveAddress(ctx context.Context, escrowID uint64) (addr string, err error) {
	ctx, span := traces.StartSpan(ctx, "keyderiv.DeriveAddress", traces.EscrowID(escrowID))
	defer func() { traces.End(span, err) }()

	body, err := json.Marshal(publicKeyRequest{
		KeyID:          s.keyID,
		DerivationPath: DerivationPath(s.identity, escrowID),
	})
	if err != nil {
		return "", err
	}

	var pub []byte
	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var fetchErr error
		pub, fetchErr = s.fetch(ctx, body)
		if fetchErr != nil && !retry.IsPermanent(fetchErr) {
			s.logger.Warn("public key lookup failed, retrying", "escrow_id", escrowID, "error", fetchErr)
		}
		return fetchErr
	})
	if err != nil {
		return "", fmt.Errorf("derive address for escrow %d: %w", escrowID, err)
	}

	return AddressFromPublicKey(pub)
}

func (s *RemoteSigner) fetch(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/ecdsa_public_key", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("key service returned HTTP %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, retry.Permanent(fmt.Errorf("key service returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}

	var out publicKeyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode public key response: %w", err))
	}
	pub, err := hex.DecodeString(strings.TrimPrefix(out.PublicKey, "0x"))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %v", ErrInvalidPublicKey, err))
	}
	return pub, nil
}

// Deterministic derives addresses locally by hashing the derivation path.
// The results are stable and unique per escrow but no key controls them;
// use it only in development and tests.
type Deterministic struct {
	identity string
}

// NewDeterministic creates a local address deriver.
func NewDeterministic(identity string) *Deterministic {
	return &Deterministic{identity: identity}
}

// DeriveAddress returns Keccak256(identity || be64(id))[12:] as an address.
func (d *Deterministic) DeriveAddress(_ context.Context, escrowID uint64) (string, error) {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], escrowID)
	hash := crypto.Keccak256([]byte(d.identity), id[:])
	return common.BytesToAddress(hash[12:]).Hex(), nil
}

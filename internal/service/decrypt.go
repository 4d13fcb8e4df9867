package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"go.opentelemetry.io/otel"

	"github.com/totegamma/relaykit/internal/usecase"
)

var tracer = otel.Tracer("decrypt")

// DecryptService asks an out-of-process signer to decrypt a payload.
// The signer may require interactive user approval, so no timeout is
// imposed here beyond the caller's context; a locked signer maps to
// ErrDecryptUnavailable so the sync engine can finish the entity with
// its public view.
type DecryptService struct {
	client    *http.Client
	signerURL string
	cache     *cache.Cache
}

func NewDecryptService(signerURL string) *DecryptService {
	return &DecryptService{
		client:    &http.Client{},
		signerURL: signerURL,
		cache:     cache.New(10*time.Minute, 15*time.Minute),
	}
}

type decryptRequest struct {
	Ciphertext string `json:"ciphertext"`
	PubKey     string `json:"pubkey"`
}

type decryptResponse struct {
	Plaintext string `json:"plaintext"`
}

func (s *DecryptService) TryDecrypt(ctx context.Context, payload string, identity string) (string, error) {
	ctx, span := tracer.Start(ctx, "Decrypt.Service.TryDecrypt")
	defer span.End()

	if s.signerURL == "" {
		return "", usecase.ErrDecryptUnavailable
	}

	cacheKey := "plaintext:" + identity + ":" +
		strconv.FormatUint(xxh3.HashString(payload), 16)
	if x, found := s.cache.Get(cacheKey); found {
		return x.(string), nil
	}

	body, err := json.Marshal(decryptRequest{Ciphertext: payload, PubKey: identity})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.signerURL+"/decrypt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		span.RecordError(err)
		// an unreachable signer is "not currently possible", not fatal
		return "", usecase.ErrDecryptUnavailable
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusLocked, http.StatusServiceUnavailable:
		return "", usecase.ErrDecryptUnavailable
	default:
		err := errors.Errorf("signer returned status %d", resp.StatusCode)
		span.RecordError(err)
		return "", err
	}

	var decoded decryptResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		span.RecordError(err)
		return "", errors.Wrap(err, "failed to decode signer response")
	}

	s.cache.Set(cacheKey, decoded.Plaintext, cache.DefaultExpiration)

	return decoded.Plaintext, nil
}

package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"fleet-monitor/telemetry/internal/config"
	"fleet-monitor/telemetry/internal/domain"
)

// CredentialStore is the system of record for vehicles and their secrets.
type CredentialStore interface {
	VehicleByVIN(ctx context.Context, vin int64) (*domain.Vehicle, error)
}

// verifiedSecret remembers a secret that already passed bcrypt against a
// specific stored hash. It is only honoured while that hash is current.
type verifiedSecret struct {
	hash   []byte
	digest [sha256.Size]byte
}

type Authenticator struct {
	verified cache.Cache[int64, verifiedSecret]
	store    CredentialStore
	logger   *zap.Logger
	compare  func(hash, secret []byte) error
}

func NewAuthenticator(cfg *config.Config, store CredentialStore, logger *zap.Logger) *Authenticator {
	c := cache.NewCache[int64, verifiedSecret]().
		WithTTL(time.Duration(cfg.AuthCacheTTLSeconds) * time.Second).
		WithMaxKeys(cfg.AuthCacheMaxKeys).
		WithLRU()

	return &Authenticator{
		verified: c,
		store:    store,
		logger:   logger,
		compare:  bcrypt.CompareHashAndPassword,
	}
}

// Authenticate returns the vehicle when secret matches its stored hash.
// The vehicle record is always read from the store, so rotation,
// decommissioning and fleet moves apply to the next request. Only the
// bcrypt work is cached. An unreachable store is Internal, never
// Unauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, vin int64, secret string) (*domain.Vehicle, error) {
	if vin <= 0 || secret == "" {
		return nil, domain.ErrUnauthorized
	}

	v, err := a.store.VehicleByVIN(ctx, vin)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrUnauthorized
	}
	if err != nil {
		a.logger.Error("credential lookup failed", zap.Int64("vin", vin), zap.Error(err))
		return nil, domain.Wrap(domain.KindInternal, err, "credential store unavailable")
	}

	if !v.CanReport() {
		return nil, domain.ErrUnauthorized
	}

	if !a.matches(v, secret) {
		return nil, domain.ErrUnauthorized
	}

	return v, nil
}

func (a *Authenticator) Verify(ctx context.Context, vin int64, secret string) bool {
	_, err := a.Authenticate(ctx, vin, secret)
	return err == nil
}

func (a *Authenticator) matches(v *domain.Vehicle, secret string) bool {
	digest := sha256.Sum256([]byte(secret))

	// Level 1: secret already verified against this hash
	if hit, ok := a.verified.Get(v.VIN); ok && bytes.Equal(hit.hash, v.SecretHash) {
		if subtle.ConstantTimeCompare(hit.digest[:], digest[:]) == 1 {
			return true
		}
	}

	// Level 2: bcrypt
	if err := a.compare(v.SecretHash, []byte(secret)); err != nil {
		return false
	}

	a.verified.Set(v.VIN, verifiedSecret{hash: v.SecretHash, digest: digest}, 0)
	return true
}

func HashSecret(secret string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}

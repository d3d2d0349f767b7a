// Package keycustody owns each user's long-lived RSA key pair. Private keys
// are stored sealed under a key derived from the user's password and are
// never held beyond the call that needed them.
package keycustody

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"securechat/internal/domain"
	"securechat/internal/security"
)

const DefaultLifetime = 365 * 24 * time.Hour

type Options struct {
	KDF      security.KDFParams
	RSABits  int
	Lifetime time.Duration
	Now      func() time.Time
}

type Custody struct {
	keys     domain.KeyPairRepository
	kdf      security.KDFParams
	rsaBits  int
	lifetime time.Duration
	now      func() time.Time
	log      *zap.Logger

	// locks serialise generation and rotation per user so two concurrent
	// first calls cannot both create a pair.
	locks userLocks
}

func New(keys domain.KeyPairRepository, opts Options, log *zap.Logger) *Custody {
	if opts.KDF == (security.KDFParams{}) {
		opts.KDF = security.DefaultKDFParams()
	}
	if opts.RSABits == 0 {
		opts.RSABits = security.DefaultRSABits
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultLifetime
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Custody{
		keys:     keys,
		kdf:      opts.KDF,
		rsaBits:  opts.RSABits,
		lifetime: opts.Lifetime,
		now:      opts.Now,
		log:      log.With(zap.String("component", "keycustody")),
	}
}

// GenerateKeyPair returns the user's public key, creating a new pair only
// when no valid one exists.
func (c *Custody) GenerateKeyPair(ctx context.Context, userID, password string) (string, error) {
	if userID == "" || password == "" {
		return "", fmt.Errorf("generate key pair: %w", domain.ErrInvalidInput)
	}

	defer c.locks.lock(userID)()

	existing, err := c.keys.Get(ctx, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	if existing.Valid(c.now()) {
		return existing.PublicKey, nil
	}

	version := 1
	if existing != nil {
		version = existing.KeyVersion + 1
	}
	kp, _, err := c.newKeyPair(userID, password, version)
	if err != nil {
		return "", err
	}
	if err := c.keys.Upsert(ctx, kp); err != nil {
		return "", err
	}
	c.log.Info("key pair generated", zap.String("user_id", userID), zap.Int("version", version))
	return kp.PublicKey, nil
}

// GetPublicKey returns the PEM public key of the user's valid pair.
func (c *Custody) GetPublicKey(ctx context.Context, userID string) (string, error) {
	kp, err := c.validPair(ctx, userID)
	if err != nil {
		return "", err
	}
	return kp.PublicKey, nil
}

// PublicKey is GetPublicKey parsed.
func (c *Custody) PublicKey(ctx context.Context, userID string) (*rsa.PublicKey, error) {
	pemKey, err := c.GetPublicKey(ctx, userID)
	if err != nil {
		return nil, err
	}
	pub, err := security.ParsePublicKeyPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("parse public key of %s: %w", userID, err)
	}
	return pub, nil
}

// GetPrivateKey unseals the user's private key with password.
func (c *Custody) GetPrivateKey(ctx context.Context, userID, password string) (*rsa.PrivateKey, error) {
	kp, err := c.validPair(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.unseal(kp, password)
}

func (c *Custody) HasValidKeyPair(ctx context.Context, userID string) bool {
	_, err := c.validPair(ctx, userID)
	return err == nil
}

// Status reports the stored pair's version and expiry; ok is false when the
// user has never generated a pair.
func (c *Custody) Status(ctx context.Context, userID string) (kp *domain.UserKeyPair, ok bool, err error) {
	kp, err = c.keys.Get(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return kp, true, nil
}

// Rotation carries what a caller needs to re-wrap envelopes after
// RotateKeyPair.
type Rotation struct {
	OldPrivate *rsa.PrivateKey
	NewPublic  *rsa.PublicKey
	PublicPEM  string
	Version    int
}

// RotateKeyPair replaces the user's pair. The current private key, expired
// or not, is unsealed with oldPassword and returned so existing envelopes can
// be moved to the new key. The new private key is sealed under newPassword.
func (c *Custody) RotateKeyPair(ctx context.Context, userID, oldPassword, newPassword string) (*Rotation, error) {
	if newPassword == "" {
		return nil, fmt.Errorf("rotate key pair: %w", domain.ErrInvalidInput)
	}

	defer c.locks.lock(userID)()

	current, err := c.keys.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	oldPriv, err := c.unseal(current, oldPassword)
	if err != nil {
		return nil, err
	}

	kp, newPriv, err := c.newKeyPair(userID, newPassword, current.KeyVersion+1)
	if err != nil {
		return nil, err
	}
	if err := c.keys.Upsert(ctx, kp); err != nil {
		return nil, err
	}
	c.log.Info("key pair rotated", zap.String("user_id", userID), zap.Int("version", kp.KeyVersion))
	return &Rotation{
		OldPrivate: oldPriv,
		NewPublic:  &newPriv.PublicKey,
		PublicPEM:  kp.PublicKey,
		Version:    kp.KeyVersion,
	}, nil
}

func (c *Custody) validPair(ctx context.Context, userID string) (*domain.UserKeyPair, error) {
	kp, err := c.keys.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !kp.Valid(c.now()) {
		return nil, fmt.Errorf("key pair of %s expired: %w", userID, domain.ErrNotFound)
	}
	return kp, nil
}

func (c *Custody) newKeyPair(userID, password string, version int) (*domain.UserKeyPair, *rsa.PrivateKey, error) {
	priv, err := security.GenerateRSAKeyPair(c.rsaBits)
	if err != nil {
		return nil, nil, err
	}
	pubPEM, err := security.EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	der, err := security.MarshalPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	salt, err := security.RandomBytes(security.SaltSize)
	if err != nil {
		return nil, nil, err
	}
	sealed, err := security.SealGCM(security.DeriveKey(password, salt, c.kdf), der, []byte(userID))
	if err != nil {
		return nil, nil, fmt.Errorf("seal private key: %w", err)
	}

	now := c.now().UTC()
	return &domain.UserKeyPair{
		UserID:              userID,
		PublicKey:           pubPEM,
		EncryptedPrivateKey: append(sealed.Ciphertext, sealed.Tag...),
		Salt:                salt,
		IV:                  sealed.IV,
		KeyVersion:          version,
		ExpiresAt:           now.Add(c.lifetime),
		CreatedAt:           now,
	}, priv, nil
}

func (c *Custody) unseal(kp *domain.UserKeyPair, password string) (*rsa.PrivateKey, error) {
	blob := kp.EncryptedPrivateKey
	if len(blob) < security.TagSize {
		return nil, fmt.Errorf("stored private key of %s is truncated: %w", kp.UserID, domain.ErrInternal)
	}
	split := len(blob) - security.TagSize
	sealed := &security.Sealed{Ciphertext: blob[:split], IV: kp.IV, Tag: blob[split:]}

	der, err := security.OpenGCM(security.DeriveKey(password, kp.Salt, c.kdf), sealed, []byte(kp.UserID))
	if err != nil {
		return nil, fmt.Errorf("unlock private key of %s: %w", kp.UserID, domain.ErrInvalidCredential)
	}
	priv, err := security.ParsePrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key of %s: %w", kp.UserID, err)
	}
	return priv, nil
}

// Package dkim signs outbound messages with per-domain keys. Keys are
// generated lazily on first use and persisted; domains that are not
// verified sign with a process-wide fallback identity so receivers can
// still authenticate the sending infrastructure.
package dkim

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	msgdkim "github.com/emersion/go-msgauth/dkim"

	"github.com/fernandinhomartins40/urbansend/internal/store"
)

// SigningError wraps failures to produce a signature, including
// malformed stored keys. It keeps the domain for diagnostics.
type SigningError struct {
	Domain string
	Err    error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("dkim signing failed for %s: %v", e.Domain, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// headerKeys is the header set covered by every signature. Oversigning
// of frequently-forged headers is deliberately left out; receivers
// already validate From alignment.
var headerKeys = []string{
	"From", "To", "Subject", "Date", "Message-ID",
	"MIME-Version", "Content-Type", "Reply-To",
}

// Config controls key generation and the fallback identity.
type Config struct {
	Selector       string
	FallbackDomain string
	KeyBits        int
}

// Signer produces DKIM signatures for outbound messages.
type Signer struct {
	store  store.Store
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey // domain -> parsed key
}

// NewSigner creates a signer backed by the given store.
func NewSigner(s store.Store, config Config) *Signer {
	if config.Selector == "" {
		config.Selector = "usend"
	}
	if config.KeyBits == 0 {
		config.KeyBits = 2048
	}
	return &Signer{
		store:  s,
		config: config,
		logger: slog.Default().With("component", "dkim"),
		keys:   make(map[string]*rsa.PrivateKey),
	}
}

// Result describes the identity a message was signed with.
type Result struct {
	Domain   string
	Selector string
	Fallback bool
}

// Sign signs the RFC 5322 message in raw and returns it with the
// DKIM-Signature header prepended. When domainVerified is false the
// signature uses the fallback domain instead of the sending domain; the
// message is still accepted, the degradation is only logged.
func (s *Signer) Sign(ctx context.Context, domain string, domainVerified bool, raw []byte) ([]byte, *Result, error) {
	signDomain := strings.ToLower(domain)
	fallback := false
	if !domainVerified {
		if s.config.FallbackDomain == "" {
			return nil, nil, &SigningError{Domain: domain, Err: errors.New("domain not verified and no fallback domain configured")}
		}
		signDomain = strings.ToLower(s.config.FallbackDomain)
		fallback = true
		s.logger.Warn("Signing with fallback identity",
			"domain", domain,
			"fallback_domain", signDomain)
	}

	key, err := s.keyFor(ctx, signDomain)
	if err != nil {
		return nil, nil, &SigningError{Domain: signDomain, Err: err}
	}

	opts := &msgdkim.SignOptions{
		Domain:                 signDomain,
		Selector:               s.config.Selector,
		Signer:                 key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: msgdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgdkim.CanonicalizationRelaxed,
		HeaderKeys:             headerKeys,
	}

	var signed bytes.Buffer
	if err := msgdkim.Sign(&signed, bytes.NewReader(raw), opts); err != nil {
		return nil, nil, &SigningError{Domain: signDomain, Err: err}
	}

	return signed.Bytes(), &Result{Domain: signDomain, Selector: s.config.Selector, Fallback: fallback}, nil
}

// keyFor returns the parsed private key for a domain, generating and
// persisting one on first use. Concurrent first-use races are resolved
// by the store's uniqueness guarantee: the loser re-reads the winner's
// key.
func (s *Signer) keyFor(ctx context.Context, domain string) (*rsa.PrivateKey, error) {
	s.mu.Lock()
	if key, ok := s.keys[domain]; ok {
		s.mu.Unlock()
		return key, nil
	}
	s.mu.Unlock()

	rec, err := s.store.GetSigningKey(ctx, domain)
	if errors.Is(err, store.ErrNotFound) {
		rec, err = s.generate(ctx, domain)
	}
	if err != nil {
		return nil, err
	}

	key, err := parsePrivateKey(rec.PrivatePEM)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.keys[domain] = key
	s.mu.Unlock()
	return key, nil
}

func (s *Signer) generate(ctx context.Context, domain string) (*store.SigningKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, s.config.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	rec := &store.SigningKey{
		Domain:     domain,
		Selector:   s.config.Selector,
		PrivatePEM: encodePrivateKey(key),
		PublicPEM:  encodePublicKey(&key.PublicKey),
		CreatedAt:  time.Now(),
	}

	err = s.store.SaveSigningKey(ctx, rec)
	if errors.Is(err, store.ErrAlreadyExists) {
		// Another worker generated first; use theirs.
		return s.store.GetSigningKey(ctx, domain)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Generated signing key",
		"domain", domain,
		"selector", s.config.Selector,
		"bits", s.config.KeyBits)
	return rec, nil
}

// RotateKey replaces the stored key for a domain with a fresh one and
// drops the cached copy. The old public key should stay published in
// DNS until in-flight signatures age out.
func (s *Signer) RotateKey(ctx context.Context, domain string) (*store.SigningKey, error) {
	domain = strings.ToLower(domain)

	key, err := rsa.GenerateKey(rand.Reader, s.config.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	rec := &store.SigningKey{
		Domain:     domain,
		Selector:   s.config.Selector,
		PrivatePEM: encodePrivateKey(key),
		PublicPEM:  encodePublicKey(&key.PublicKey),
		CreatedAt:  time.Now(),
	}
	if err := s.store.ReplaceSigningKey(ctx, rec); err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.keys, domain)
	s.mu.Unlock()

	s.logger.Info("Rotated signing key", "domain", domain, "selector", s.config.Selector)
	return rec, nil
}

// TXTRecord renders the DNS TXT record value a domain owner must
// publish at <selector>._domainkey.<domain> for its stored key.
func TXTRecord(rec *store.SigningKey) (string, error) {
	block, _ := pem.Decode([]byte(rec.PublicPEM))
	if block == nil {
		return "", fmt.Errorf("malformed public key for %s", rec.Domain)
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(block.Bytes), nil
}

func encodePrivateKey(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func encodePublicKey(key *rsa.PublicKey) string {
	der, _ := x509.MarshalPKIXPublicKey(key)
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: der,
	}))
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block in stored key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing stored key: %w", err)
	}
	return key, nil
}

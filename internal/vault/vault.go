// Package vault implements the Credential Vault (spec §4.1 / C1): it
// resolves (domain, credential_type) pairs to secret strings through a
// priority chain of in-memory cache, environment variables, an encrypted
// Redis-backed keystore, and — only when explicitly allowed — a
// deterministic placeholder.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/pbkdf2"
)

// CredentialType enumerates the credential kinds the vault resolves.
type CredentialType string

const (
	TypeUsername CredentialType = "username"
	TypePassword CredentialType = "password"
	TypeAPIKey   CredentialType = "api_key"
	TypeToken    CredentialType = "token"
	TypeGeneric  CredentialType = "generic"
)

const pbkdf2Iterations = 100_000

// AuthorizationMode mirrors the job-level authorization mode (spec §3/§4.1).
// Placeholders are disallowed in "internal" mode.
type AuthorizationMode string

const (
	ModePublic             AuthorizationMode = "public"
	ModeCustomerAuthorized AuthorizationMode = "customer_authorized"
	ModeInternal           AuthorizationMode = "internal"
)

// Source identifies where a resolved credential came from, for operator
// visibility (SPEC_FULL.md §C Supplemented Feature 3).
type Source string

const (
	SourceCache       Source = "cache"
	SourceEnv         Source = "env"
	SourceVault       Source = "vault"
	SourcePlaceholder Source = "placeholder"
)

// ErrPlaceholderDisallowed is returned when resolution would fall through to
// a placeholder while the caller's authorization mode forbids it.
var ErrPlaceholderDisallowed = errors.New("vault: placeholder credentials are disallowed in internal authorization mode")

// Config configures the vault's encryption and placeholder behavior.
type Config struct {
	// KDFSalt is base64-encoded salt material for PBKDF2. Required only if
	// any enc:-prefixed credential value is stored in the vault.
	KDFSalt string
	// AllowPlaceholders gates whether placeholder generation is permitted
	// at all (independent of authorization mode).
	AllowPlaceholders bool
	// CacheTTL is how long a resolved value is kept in the in-memory cache.
	CacheTTL time.Duration
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Vault resolves per-domain credentials.
type Vault struct {
	rdb    *redis.Client
	cfg    Config
	mu     sync.Mutex
	cache  map[string]cacheEntry
	encKey []byte // derived once, lazily, from cfg.KDFSalt + process-wide key material
}

// New creates a Vault. rdb may be nil if no Redis-backed keystore is used.
func New(rdb *redis.Client, cfg Config) *Vault {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Vault{
		rdb:   rdb,
		cfg:   cfg,
		cache: make(map[string]cacheEntry),
	}
}

func cacheKey(domain string, t CredentialType) string {
	return domain + ":" + string(t)
}

// envName converts (domain, type) to the canonical env var name
// CRED_<DOMAIN>_<TYPE>, per spec §4.1: dots/dashes become underscores,
// everything is upper-cased.
func envName(domain string, t CredentialType) string {
	clean := strings.Map(func(r rune) rune {
		if r == '.' || r == '-' {
			return '_'
		}
		return r
	}, domain)
	return "CRED_" + strings.ToUpper(clean) + "_" + strings.ToUpper(string(t))
}

func vaultKey(domain string, t CredentialType) string {
	return fmt.Sprintf("vault:%s:%s", domain, t)
}

// Resolve looks up a credential for (domain, type), honoring the priority
// chain: cache → env → encrypted keystore → placeholder.
func (v *Vault) Resolve(ctx context.Context, domain string, t CredentialType, mode AuthorizationMode, envLookup func(string) (string, bool)) (string, Source, error) {
	ck := cacheKey(domain, t)

	v.mu.Lock()
	if entry, ok := v.cache[ck]; ok && time.Now().Before(entry.expiresAt) {
		v.mu.Unlock()
		return entry.value, SourceCache, nil
	}
	v.mu.Unlock()

	if envLookup == nil {
		envLookup = osLookupEnv
	}

	if raw, ok := envLookup(envName(domain, t)); ok && raw != "" {
		val, err := v.decodeValue(raw)
		if err != nil {
			return "", "", fmt.Errorf("decoding env credential for %s/%s: %w", domain, t, err)
		}
		v.set(ck, val)
		return val, SourceEnv, nil
	}

	if v.rdb != nil {
		raw, err := v.rdb.Get(ctx, vaultKey(domain, t)).Result()
		if err == nil {
			val, decErr := v.decodeValue(raw)
			if decErr != nil {
				return "", "", fmt.Errorf("decoding vault credential for %s/%s: %w", domain, t, decErr)
			}
			v.set(ck, val)
			return val, SourceVault, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", "", fmt.Errorf("reading vault keystore: %w", err)
		}
	}

	if !v.cfg.AllowPlaceholders {
		return "", "", fmt.Errorf("vault: no credential configured for %s/%s", domain, t)
	}
	if mode == ModeInternal {
		return "", "", ErrPlaceholderDisallowed
	}

	val := placeholder(domain, t)
	v.set(ck, val)
	return val, SourcePlaceholder, nil
}

// EvictCache removes a cached credential so the next Resolve re-derives it.
func (v *Vault) EvictCache(domain string, t CredentialType) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.cache, cacheKey(domain, t))
}

func (v *Vault) set(key, val string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[key] = cacheEntry{value: val, expiresAt: time.Now().Add(v.cfg.CacheTTL)}
}

// decodeValue decrypts enc:-prefixed values; everything else passes through.
func (v *Vault) decodeValue(raw string) (string, error) {
	if !strings.HasPrefix(raw, "enc:") {
		return raw, nil
	}
	return v.decrypt(strings.TrimPrefix(raw, "enc:"))
}

// deriveKey derives a 32-byte AES-256 key from the configured salt via
// PBKDF2-SHA256 with at least 100,000 iterations (spec §4.1). The salt is
// configuration-provided, never hardcoded (DESIGN.md Open Question d).
func (v *Vault) deriveKey() ([]byte, error) {
	if v.encKey != nil {
		return v.encKey, nil
	}
	if v.cfg.KDFSalt == "" {
		return nil, errors.New("vault: KDFSalt not configured, cannot decrypt enc: values")
	}
	salt, err := base64.StdEncoding.DecodeString(v.cfg.KDFSalt)
	if err != nil {
		return nil, fmt.Errorf("decoding KDF salt: %w", err)
	}
	v.encKey = pbkdf2.Key(salt, salt, pbkdf2Iterations, 32, sha256.New)
	return v.encKey, nil
}

// decrypt reverses Encrypt: base64(nonce || ciphertext) under AES-256-GCM.
func (v *Vault) decrypt(b64 string) (string, error) {
	key, err := v.deriveKey()
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	return string(plain), nil
}

// Encrypt produces an enc:-prefixed value suitable for storing in the
// keystore or an env var, for operator tooling that seeds credentials.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	key, err := v.deriveKey()
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return "enc:" + base64.StdEncoding.EncodeToString(ct), nil
}

// placeholder generates a deterministic placeholder value from
// hash(domain:type), with a type-specific prefix (spec §4.1).
func placeholder(domain string, t CredentialType) string {
	sum := sha256.Sum256([]byte(domain + ":" + string(t)))
	digest := hex.EncodeToString(sum[:])[:16]
	switch t {
	case TypeUsername:
		return "user_" + digest
	case TypePassword:
		return "pw_" + digest
	case TypeAPIKey:
		return "key_" + digest
	case TypeToken:
		return "tok_" + digest
	default:
		return "cred_" + digest
	}
}

func osLookupEnv(name string) (string, bool) {
	return os.LookupEnv(name)
}

// Set stores a credential in the Redis-backed keystore, encrypting it first
// when a KDF salt is configured. ttl of zero means no expiration.
func (v *Vault) Set(ctx context.Context, domain string, t CredentialType, value string, ttl time.Duration) error {
	if v.rdb == nil {
		return errors.New("vault: no keystore configured")
	}
	stored := value
	if v.cfg.KDFSalt != "" {
		enc, err := v.Encrypt(value)
		if err != nil {
			return fmt.Errorf("encrypting credential: %w", err)
		}
		stored = enc
	}
	if err := v.rdb.Set(ctx, vaultKey(domain, t), stored, ttl).Err(); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	v.set(cacheKey(domain, t), value)
	return nil
}

// Delete removes a credential from the keystore and cache.
func (v *Vault) Delete(ctx context.Context, domain string, t CredentialType) error {
	if v.rdb == nil {
		return errors.New("vault: no keystore configured")
	}
	v.EvictCache(domain, t)
	return v.rdb.Del(ctx, vaultKey(domain, t)).Err()
}

// List returns the credential types stored per domain, scanning the
// keystore's vault:* namespace. Used by the credential-listing operator
// endpoint (SPEC_FULL.md §C Supplemented Feature 3) — it never returns
// values, only which (domain, type) pairs exist.
func (v *Vault) List(ctx context.Context, domain string) (map[string][]string, error) {
	if v.rdb == nil {
		return map[string][]string{}, nil
	}
	pattern := "vault:*"
	if domain != "" {
		pattern = "vault:" + domain + ":*"
	}

	result := make(map[string][]string)
	var cursor uint64
	for {
		keys, next, err := v.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning keystore: %w", err)
		}
		for _, key := range keys {
			parts := strings.SplitN(key, ":", 3)
			if len(parts) != 3 {
				continue
			}
			result[parts[1]] = append(result[parts[1]], parts[2])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return result, nil
}

// Rotate stores new credential values for a domain, retaining the previous
// values under a ":old" suffix key for oldTTL so in-flight jobs using the
// prior credential don't break mid-run.
func (v *Vault) Rotate(ctx context.Context, domain string, newCredentials map[CredentialType]string, oldTTL time.Duration) error {
	if v.rdb == nil {
		return errors.New("vault: no keystore configured")
	}
	for t, newVal := range newCredentials {
		current, _, err := v.Resolve(ctx, domain, t, ModeInternal, func(string) (string, bool) { return "", false })
		if err == nil && current != "" && !strings.HasPrefix(current, "user_") && !strings.HasPrefix(current, "pw_") {
			oldKey := vaultKey(domain, t) + ":old"
			v.rdb.Set(ctx, oldKey, current, oldTTL)
		}
		if setErr := v.Set(ctx, domain, t, newVal, 0); setErr != nil {
			return setErr
		}
	}
	return nil
}

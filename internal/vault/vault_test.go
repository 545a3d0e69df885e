package vault

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestVault(t *testing.T, cfg Config) (*Vault, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(rdb, cfg), mr
}

func TestResolve_KeystoreValueTakesPriorityOverPlaceholder(t *testing.T) {
	v, _ := newTestVault(t, Config{AllowPlaceholders: true})
	ctx := context.Background()

	if err := v.Set(ctx, "example.com", TypeAPIKey, "stored-key", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v.EvictCache("example.com", TypeAPIKey) // Set() also caches; evict so Resolve hits the keystore path

	val, src, err := v.Resolve(ctx, "example.com", TypeAPIKey, ModePublic, noEnv)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if src != SourceVault {
		t.Errorf("source = %v, want %v", src, SourceVault)
	}
	if val != "stored-key" {
		t.Errorf("val = %q, want %q", val, "stored-key")
	}
}

func TestResolve_KeystoreValueEncryptedWhenSaltConfigured(t *testing.T) {
	v, _ := newTestVault(t, Config{AllowPlaceholders: true, KDFSalt: "dGVzdC1zYWx0LXZhbHVlLTEyMzQ1Ng=="})
	ctx := context.Background()

	if err := v.Set(ctx, "example.com", TypeToken, "super-secret", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v.EvictCache("example.com", TypeToken)

	val, src, err := v.Resolve(ctx, "example.com", TypeToken, ModePublic, noEnv)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if src != SourceVault {
		t.Errorf("source = %v, want %v", src, SourceVault)
	}
	if val != "super-secret" {
		t.Errorf("val = %q, want %q (should be decrypted transparently)", val, "super-secret")
	}
}

func TestDelete_RemovesFromKeystoreAndCache(t *testing.T) {
	v, _ := newTestVault(t, Config{AllowPlaceholders: false})
	ctx := context.Background()

	if err := v.Set(ctx, "example.com", TypeUsername, "alice", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := v.Delete(ctx, "example.com", TypeUsername); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, _, err := v.Resolve(ctx, "example.com", TypeUsername, ModePublic, noEnv); err == nil {
		t.Error("Resolve after Delete with placeholders disabled: expected an error, got nil")
	}
}

func TestList_ReturnsStoredCredentialTypesPerDomain(t *testing.T) {
	v, _ := newTestVault(t, Config{})
	ctx := context.Background()

	if err := v.Set(ctx, "a.com", TypeUsername, "u", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := v.Set(ctx, "a.com", TypePassword, "p", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := v.Set(ctx, "b.com", TypeToken, "t", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	all, err := v.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all["a.com"]) != 2 {
		t.Errorf("a.com types = %v, want 2 entries", all["a.com"])
	}
	if len(all["b.com"]) != 1 {
		t.Errorf("b.com types = %v, want 1 entry", all["b.com"])
	}

	scoped, err := v.List(ctx, "a.com")
	if err != nil {
		t.Fatalf("List(a.com): %v", err)
	}
	if _, ok := scoped["b.com"]; ok {
		t.Error("List(\"a.com\") should not return b.com's entries")
	}
}

func TestRotate_PreservesPreviousValueUnderOldSuffix(t *testing.T) {
	v, mr := newTestVault(t, Config{})
	ctx := context.Background()

	if err := v.Set(ctx, "example.com", TypePassword, "old-pw", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := v.Rotate(ctx, "example.com", map[CredentialType]string{TypePassword: "new-pw"}, time.Hour); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if !mr.Exists(vaultKey("example.com", TypePassword) + ":old") {
		t.Error("expected the previous value to be preserved under a :old suffix key")
	}

	val, _, err := v.Resolve(ctx, "example.com", TypePassword, ModeInternal, noEnv)
	if err != nil {
		t.Fatalf("Resolve after Rotate: %v", err)
	}
	if val != "new-pw" {
		t.Errorf("val after Rotate = %q, want %q", val, "new-pw")
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestResolve_PlaceholderDeterministic(t *testing.T) {
	v := New(nil, Config{AllowPlaceholders: true})

	val1, src, err := v.Resolve(context.Background(), "example.com", TypePassword, ModePublic, noEnv)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if src != SourcePlaceholder {
		t.Errorf("source = %v, want %v", src, SourcePlaceholder)
	}

	v2 := New(nil, Config{AllowPlaceholders: true})
	val2, _, err := v2.Resolve(context.Background(), "example.com", TypePassword, ModePublic, noEnv)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if val1 != val2 {
		t.Errorf("placeholder not deterministic: %q != %q", val1, val2)
	}
}

func TestResolve_PlaceholderDisallowedInInternalMode(t *testing.T) {
	v := New(nil, Config{AllowPlaceholders: true})

	_, _, err := v.Resolve(context.Background(), "example.com", TypeAPIKey, ModeInternal, noEnv)
	if err != ErrPlaceholderDisallowed {
		t.Errorf("err = %v, want %v", err, ErrPlaceholderDisallowed)
	}
}

func TestResolve_PlaceholderDisabledReturnsError(t *testing.T) {
	v := New(nil, Config{AllowPlaceholders: false})

	_, _, err := v.Resolve(context.Background(), "example.com", TypeAPIKey, ModePublic, noEnv)
	if err == nil {
		t.Fatal("expected error when placeholders disabled and nothing configured")
	}
}

func TestResolve_EnvValueTakesPriorityOverPlaceholder(t *testing.T) {
	v := New(nil, Config{AllowPlaceholders: true})

	env := func(name string) (string, bool) {
		if name == envName("example.com", TypeUsername) {
			return "alice", true
		}
		return "", false
	}

	val, src, err := v.Resolve(context.Background(), "example.com", TypeUsername, ModePublic, env)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if src != SourceEnv {
		t.Errorf("source = %v, want %v", src, SourceEnv)
	}
	if val != "alice" {
		t.Errorf("val = %q, want %q", val, "alice")
	}
}

func TestResolve_CachesAcrossCalls(t *testing.T) {
	v := New(nil, Config{AllowPlaceholders: true, CacheTTL: time.Minute})

	calls := 0
	env := func(name string) (string, bool) {
		calls++
		return "secret", true
	}

	if _, _, err := v.Resolve(context.Background(), "example.com", TypeToken, ModePublic, env); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, _, err := v.Resolve(context.Background(), "example.com", TypeToken, ModePublic, env); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if calls != 1 {
		t.Errorf("env lookup called %d times, want 1 (second call should hit cache)", calls)
	}
}

func TestEnvName(t *testing.T) {
	cases := []struct {
		domain string
		typ    CredentialType
		want   string
	}{
		{"example.com", TypeUsername, "CRED_EXAMPLE_COM_USERNAME"},
		{"my-site.co.uk", TypePassword, "CRED_MY_SITE_CO_UK_PASSWORD"},
		{"example.com", TypeAPIKey, "CRED_EXAMPLE_COM_API_KEY"},
	}
	for _, c := range cases {
		if got := envName(c.domain, c.typ); got != c.want {
			t.Errorf("envName(%q, %q) = %q, want %q", c.domain, c.typ, got, c.want)
		}
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := New(nil, Config{KDFSalt: "dGVzdC1zYWx0LXZhbHVlLTEyMzQ1Ng=="})

	enc, err := v.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if enc[:4] != "enc:" {
		t.Fatalf("encrypted value missing enc: prefix: %q", enc)
	}

	decoded, err := v.decodeValue(enc)
	if err != nil {
		t.Fatalf("decodeValue: %v", err)
	}
	if decoded != "hunter2" {
		t.Errorf("decoded = %q, want %q", decoded, "hunter2")
	}
}

func TestDecodeValue_PassthroughWithoutPrefix(t *testing.T) {
	v := New(nil, Config{})
	got, err := v.decodeValue("plainvalue")
	if err != nil {
		t.Fatalf("decodeValue: %v", err)
	}
	if got != "plainvalue" {
		t.Errorf("got = %q, want %q", got, "plainvalue")
	}
}

func TestPlaceholder_TypeSpecificPrefixes(t *testing.T) {
	cases := map[CredentialType]string{
		TypeUsername: "user_",
		TypePassword: "pw_",
		TypeAPIKey:   "key_",
		TypeToken:    "tok_",
		TypeGeneric:  "cred_",
	}
	for typ, prefix := range cases {
		got := placeholder("example.com", typ)
		if len(got) <= len(prefix) || got[:len(prefix)] != prefix {
			t.Errorf("placeholder(%q) = %q, want prefix %q", typ, got, prefix)
		}
	}
}

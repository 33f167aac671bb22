package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(seed byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey(0), 1)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	for _, plain := range []string{"", "k", "broker-api-key-51c2", strings.Repeat("x", 4096)} {
		sealed, err := enc.Seal(plain)
		if err != nil {
			t.Fatalf("Seal(%q): %v", plain, err)
		}
		if !IsSealed(sealed) {
			t.Fatalf("sealed value missing prefix: %q", sealed)
		}
		if Version(sealed) != 1 {
			t.Fatalf("Version(%q) = %d, want 1", sealed, Version(sealed))
		}
		got, err := enc.Open(sealed)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got != plain {
			t.Fatalf("round trip: got %q, want %q", got, plain)
		}
	}
}

func TestSealIsNondeterministic(t *testing.T) {
	enc, _ := NewEncryptor(testKey(0), 1)
	a, _ := enc.Seal("same input")
	b, _ := enc.Seal("same input")
	if a == b {
		t.Fatal("two seals of the same plaintext produced identical ciphertext")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	enc, _ := NewEncryptor(testKey(0), 1)

	for _, bad := range []string{"plain text", "ENC[v1:nope", "ENC[v1]:@@@", "ENC[v1]:" + base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := enc.Open(bad); err == nil {
			t.Errorf("Open(%q) succeeded, want error", bad)
		}
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	a, _ := NewEncryptor(testKey(0), 1)
	b, _ := NewEncryptor(testKey(7), 1)

	sealed, err := a.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Fatal("Open with the wrong key succeeded")
	}
}

func TestKeyringPicksNewestForSeal(t *testing.T) {
	v1, _ := GenerateKey()
	v2, _ := GenerateKey()
	env := map[string]string{
		"MASTER_ENCRYPTION_KEY":    v1,
		"MASTER_ENCRYPTION_KEY_V2": v2,
	}
	kr, err := keyringFromLookup(func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("keyringFromLookup: %v", err)
	}

	sealed, err := kr.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if Version(sealed) != 2 {
		t.Fatalf("sealed with v%d, want v2", Version(sealed))
	}
	if got, err := kr.Open(sealed); err != nil || got != "secret" {
		t.Fatalf("Open = %q, %v", got, err)
	}
}

func TestKeyringOpensOldVersions(t *testing.T) {
	raw1 := testKey(0)
	env := map[string]string{
		"MASTER_ENCRYPTION_KEY": base64.StdEncoding.EncodeToString(raw1),
	}
	old, _ := NewEncryptor(raw1, 1)
	sealed, _ := old.Seal("legacy value")

	v2, _ := GenerateKey()
	env["MASTER_ENCRYPTION_KEY_V2"] = v2
	kr, err := keyringFromLookup(func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("keyringFromLookup: %v", err)
	}

	got, err := kr.Open(sealed)
	if err != nil || got != "legacy value" {
		t.Fatalf("Open old version = %q, %v", got, err)
	}

	resealed, err := kr.Reseal(sealed)
	if err != nil {
		t.Fatalf("Reseal: %v", err)
	}
	if Version(resealed) != 2 {
		t.Fatalf("Reseal produced v%d, want v2", Version(resealed))
	}
}

func TestKeyringFromEnvDisabledWhenUnset(t *testing.T) {
	kr, err := keyringFromLookup(func(string) string { return "" })
	if err != nil {
		t.Fatalf("keyringFromLookup: %v", err)
	}
	if kr != nil {
		t.Fatal("expected nil keyring when no key is configured")
	}
}

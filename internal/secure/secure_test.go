package secure

import (
	"bytes"
	"context"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	key := []byte("test-hmac-key-0123456789abcdef!")
	env := Envelope{
		Origin:   OriginClient,
		User:     "alice",
		AuthType: "generic",
		Preamble: []byte("preamble-bytes"),
		Control:  []byte("identifier=job1\nnumber=007\n"),
		Data:     [][]byte{[]byte("first file"), []byte("second file")},
	}

	wire := Encode(env, key)
	got, err := Decode(wire, key)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.User != env.User || got.AuthType != env.AuthType {
		t.Fatalf("got = %+v", got)
	}
	if !bytes.Equal(got.Control, env.Control) {
		t.Fatalf("control mismatch: %q", got.Control)
	}
	if len(got.Data) != 2 || !bytes.Equal(got.Data[0], env.Data[0]) || !bytes.Equal(got.Data[1], env.Data[1]) {
		t.Fatalf("data mismatch: %+v", got.Data)
	}
}

func TestDecodeRejectsTamperedEnvelope(t *testing.T) {
	key := []byte("test-hmac-key-0123456789abcdef!")
	env := Envelope{User: "bob", Control: []byte("x")}
	wire := Encode(env, key)
	wire[len(wire)-1] ^= 0xFF // corrupt one trailer byte

	if _, err := Decode(wire, key); err == nil {
		t.Fatal("expected tamper detection to fail decode")
	}
}

func TestDecodeRejectsWrongKey(t *testing.T) {
	env := Envelope{User: "carol", Control: []byte("y")}
	wire := Encode(env, []byte("key-one-aaaaaaaaaaaaaaaaaaaaaaaa"))

	if _, err := Decode(wire, []byte("key-two-bbbbbbbbbbbbbbbbbbbbbbbb")); err == nil {
		t.Fatal("expected wrong-key decode to fail")
	}
}

func TestDecodeRejectsTruncatedEnvelope(t *testing.T) {
	key := []byte("k")
	if _, err := Decode([]byte{1, 2, 3}, key); err == nil {
		t.Fatal("expected truncated envelope to be rejected")
	}
}

func TestFilterProviderSealOpenRoundTrip(t *testing.T) {
	p := FilterProvider{
		ProviderName: "generic-filter",
		SealArgv:     []string{"/bin/cat"},
		OpenArgv:     []string{"/bin/cat"},
	}
	plaintext := []byte("secret payload")
	ciphertext, err := p.Seal(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	recovered, err := p.Open(context.Background(), ciphertext)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Fatalf("recovered = %q, want %q", recovered, plaintext)
	}
}

func TestUnimplementedProviderErrors(t *testing.T) {
	p := UnimplementedProvider{ProviderName: "kerberos"}
	if _, err := p.Seal(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected kerberos provider to report unimplemented")
	}
}

func TestCredentialsVerify(t *testing.T) {
	creds, err := NewCredentials("hunter2")
	if err != nil {
		t.Fatalf("new credentials: %v", err)
	}
	if !creds.Verify("hunter2") {
		t.Fatal("expected correct secret to verify")
	}
	if creds.Verify("wrong") {
		t.Fatal("expected wrong secret to fail verification")
	}
}

func TestGenerateKeyProducesDistinctKeys(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	b, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("expected two generated keys to differ")
	}
	if len(a) != 32 {
		t.Fatalf("key length = %d, want 32", len(a))
	}
}

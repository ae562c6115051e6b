package identity

import "testing"

func TestRegisterIdempotent(t *testing.T) {
	r := NewRegistrar()
	var pub PubKey
	pub[0] = 0xAB

	id1 := r.Register(pub)
	id2 := r.Register(pub)
	if id1 != id2 {
		t.Fatalf("Register not idempotent: %v != %v", id1, id2)
	}
	if !r.IsRegistered(pub) {
		t.Fatalf("expected pub to be registered")
	}
}

func TestMarkAdmin(t *testing.T) {
	r := NewRegistrar()
	var pub, other PubKey
	pub[1] = 0x01
	other[1] = 0x02

	r.MarkAdmin(pub)
	if !r.IsAdmin(pub) {
		t.Fatalf("expected pub to be admin")
	}
	if r.IsAdmin(other) {
		t.Fatalf("unrelated key must not be admin")
	}
	if !r.IsRegistered(pub) {
		t.Fatalf("MarkAdmin must also register the identity")
	}
}

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if len(kp.Public) == 0 || len(kp.Private) == 0 {
		t.Fatalf("expected non-empty keypair")
	}
}

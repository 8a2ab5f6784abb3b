package eventcodec

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fake is a deterministic Codec double for tests: "signing" appends the
// private key's derived pubkey to the event, and "encryption" is a
// reversible, non-secret transform. It is not cryptographically
// meaningful. cmd/bunkerd's add and start commands also use it as the
// stand-in Codec, so a bunker started from that CLI produces no real
// signatures or encryption.
type Fake struct{}

func (Fake) ParseEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	return ev, nil
}

func (Fake) PubKeyFor(privateKeyHex string) (string, error) {
	if len(privateKeyHex) < 8 {
		return "", fmt.Errorf("private key too short")
	}
	return "pub-" + privateKeyHex[:8], nil
}

func (f Fake) SignEvent(ctx context.Context, privateKeyHex string, ev Event) ([]byte, error) {
	pub, err := f.PubKeyFor(privateKeyHex)
	if err != nil {
		return nil, err
	}
	ev.PubKey = pub
	ev.ID = fmt.Sprintf("sig-%x", hashString(ev.Content))
	return json.Marshal(ev)
}

func (Fake) Encrypt(ctx context.Context, privateKeyHex, recipientPubkey, plaintext string) (string, error) {
	return hex.EncodeToString([]byte(plaintext)), nil
}

func (Fake) Decrypt(ctx context.Context, privateKeyHex, senderPubkey, ciphertext string) (string, error) {
	b, err := hex.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(b), nil
}

func hashString(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

var _ Codec = Fake{}

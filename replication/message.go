// Package replication ships counter, list and named counter mutations to
// sibling nodes and applies the mutations siblings send back.
package replication

import (
	"bytes"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/warden/policy"
	"github.com/migadu/warden/statsdb"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var (
	ErrDecrypt        = errors.New("replication: message failed to decrypt")
	ErrUnknownSibling = errors.New("replication: unknown sibling")
	ErrNoKey          = errors.New("replication: no encryption key for sibling")
)

// Message is one replicated mutation. Exactly one of Stats, List and Named
// is set.
type Message struct {
	Origin string
	Boot   string
	Seq    uint64
	Time   time.Time

	Stats *statsdb.Op
	List  *policy.Mutation
	Named *statsdb.NamedOp
}

func (m *Message) kind() string {
	switch {
	case m.Stats != nil:
		return "stats"
	case m.List != nil:
		return "list"
	case m.Named != nil:
		return "named"
	}
	return "empty"
}

// encodeMessage gob-encodes m and seals it with key. The output is the
// random nonce followed by the secretbox.
func encodeMessage(m *Message, key *[32]byte) ([]byte, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("failed to encode replication message: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], buf.Bytes(), &nonce, key), nil
}

// decodeMessage reverses encodeMessage.
func decodeMessage(data []byte, key *[32]byte) (*Message, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	if len(data) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	plain, ok := secretbox.Open(nil, data[nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecrypt
	}

	var m Message
	if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode replication message: %w", err)
	}
	if m.kind() == "empty" {
		return nil, errors.New("replication message carries no mutation")
	}
	return &m, nil
}

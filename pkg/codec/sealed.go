package codec

import (
	"fmt"

	"github.com/orneryd/graphkv/pkg/encryption"
	"github.com/orneryd/graphkv/pkg/model"
)

// Sealed encrypts the output of another codec with AES-256-GCM. A payload that
// fails authentication is reported as malformed, so tampered records surface
// the same way as corrupt ones.
type Sealed struct {
	inner Codec
	enc   *encryption.Encryptor
}

// NewSealed wraps inner with enc.
func NewSealed(inner Codec, enc *encryption.Encryptor) (*Sealed, error) {
	if inner == nil || enc == nil {
		return nil, fmt.Errorf("codec: sealed codec needs an inner codec and an encryptor")
	}
	return &Sealed{inner: inner, enc: enc}, nil
}

func (s *Sealed) Name() string { return "sealed+" + s.inner.Name() }

func (s *Sealed) EncodeNode(n *model.Node) ([]byte, error) {
	return s.seal(s.inner.EncodeNode(n))
}

func (s *Sealed) DecodeNode(data []byte) (*model.Node, error) {
	plain, err := s.open(data)
	if err != nil {
		return nil, err
	}
	return s.inner.DecodeNode(plain)
}

func (s *Sealed) EncodeEdge(e *model.Edge) ([]byte, error) {
	return s.seal(s.inner.EncodeEdge(e))
}

func (s *Sealed) DecodeEdge(data []byte) (*model.Edge, error) {
	plain, err := s.open(data)
	if err != nil {
		return nil, err
	}
	return s.inner.DecodeEdge(plain)
}

func (s *Sealed) EncodeAdjacency(a *model.Adjacency) ([]byte, error) {
	return s.seal(s.inner.EncodeAdjacency(a))
}

func (s *Sealed) DecodeAdjacency(data []byte) (*model.Adjacency, error) {
	plain, err := s.open(data)
	if err != nil {
		return nil, err
	}
	return s.inner.DecodeAdjacency(plain)
}

func (s *Sealed) seal(plain []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return s.enc.Encrypt(plain)
}

func (s *Sealed) open(data []byte) ([]byte, error) {
	plain, err := s.enc.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return plain, nil
}

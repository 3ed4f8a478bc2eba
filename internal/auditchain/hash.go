package auditchain

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Supported hash algorithms.
const (
	SHA256     = "sha256"
	SHA512     = "sha512"
	SHA3       = "sha3-256"
	Blake2b256 = "blake2b-256"
	Keccak256  = "keccak256"

	DefaultAlgorithm = SHA256
)

// Hasher is a collision-resistant digest used to link entries. The choice
// of algorithm is part of a chain's identity: an exported chain is only
// verifiable with the algorithm it was built with.
type Hasher interface {
	Name() string
	Size() int
	Sum(parts ...[]byte) []byte
}

type hasher struct {
	name string
	size int
	new  func() hash.Hash
}

func (h hasher) Name() string { return h.name }
func (h hasher) Size() int    { return h.size }

func (h hasher) Sum(parts ...[]byte) []byte {
	d := h.new()
	for _, p := range parts {
		d.Write(p)
	}
	return d.Sum(nil)
}

var hashers = map[string]hasher{
	SHA256:     {SHA256, sha256.Size, sha256.New},
	SHA512:     {SHA512, sha512.Size, sha512.New},
	SHA3:       {SHA3, 32, newSHA3},
	Blake2b256: {Blake2b256, blake2b.Size256, newBlake2b256},
	Keccak256:  {Keccak256, 32, newKeccak256},
}

func newSHA3() hash.Hash { return sha3.New256() }

func newKeccak256() hash.Hash { return crypto.NewKeccakState() }

func newBlake2b256() hash.Hash {
	h, _ := blake2b.New256(nil) // only fails for oversized keys
	return h
}

// NewHasher returns the hasher for a named algorithm.
func NewHasher(name string) (Hasher, error) {
	h, ok := hashers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownAlgorithm, name, strings.Join(Algorithms(), ", "))
	}
	return h, nil
}

// Algorithms lists supported algorithm names in sorted order.
func Algorithms() []string {
	names := make([]string, 0, len(hashers))
	for name := range hashers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Genesis is the previous-hash of the first entry: an all-zero digest of the
// algorithm's size, hex encoded.
func Genesis(h Hasher) string {
	return hex.EncodeToString(make([]byte, h.Size()))
}

// Canonicalize encodes content as the exact bytes committed to the chain.
// encoding/json emits struct fields in declaration order and map keys
// sorted, so equal values always produce equal bytes. Raw JSON is compacted.
func Canonicalize(content any) ([]byte, error) {
	if raw, ok := content.(json.RawMessage); ok {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("canonicalize content: %w", err)
		}
		return buf.Bytes(), nil
	}
	b, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("canonicalize content: %w", err)
	}
	return b, nil
}

// ContentHash digests a payload.
func ContentHash(h Hasher, payload []byte) string {
	return hex.EncodeToString(h.Sum(payload))
}

// ComputeEntryHash digests seq (8 bytes, big-endian) followed by the raw
// content digest and the raw previous digest.
func ComputeEntryHash(h Hasher, seq uint64, contentHash, prevHash string) (string, error) {
	content, err := decodeDigest(h, contentHash)
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	prev, err := decodeDigest(h, prevHash)
	if err != nil {
		return "", fmt.Errorf("previous hash: %w", err)
	}
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return hex.EncodeToString(h.Sum(seqBytes[:], content, prev)), nil
}

func decodeDigest(h Hasher, s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	if len(b) != h.Size() {
		return nil, fmt.Errorf("%w: %d bytes, want %d for %s", ErrMalformedHash, len(b), h.Size(), h.Name())
	}
	return b, nil
}

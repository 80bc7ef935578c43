// Package password provides argon2id password hashing with PHC-encoded
// digests. Verification reports whether a digest was produced with older
// parameters and should be re-hashed.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidDigest is returned when a stored digest cannot be parsed.
var ErrInvalidDigest = errors.New("invalid password digest")

const algorithmID = "argon2id"

// Params are the argon2id cost parameters embedded in every digest.
type Params struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams matches the interactive-login cost profile: 64 MiB,
// three passes, single lane.
var DefaultParams = Params{
	Memory:      64 * 1024,
	Time:        3,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Hasher hashes and verifies passwords with a fixed parameter set.
type Hasher struct {
	params Params
}

// NewHasher creates a Hasher with the given parameters.
func NewHasher(params Params) (*Hasher, error) {
	if params.Memory < 8*1024 {
		return nil, errors.New("argon2 memory must be >= 8192 KiB")
	}
	if params.Time < 1 {
		return nil, errors.New("argon2 time cost must be >= 1")
	}
	if params.Parallelism < 1 {
		return nil, errors.New("argon2 parallelism must be >= 1")
	}
	if params.SaltLength < 16 || params.KeyLength < 16 {
		return nil, errors.New("argon2 salt and key length must be >= 16")
	}
	return &Hasher{params: params}, nil
}

// Hash derives a salted argon2id digest in PHC string format.
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	key := argon2.IDKey(
		[]byte(password),
		salt,
		h.params.Time,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks a password against a stored digest in constant time.
// needsRehash is true when the digest was produced with weaker parameters
// than the hasher's current configuration.
func (h *Hasher) Verify(password, digest string) (valid bool, needsRehash bool, err error) {
	parsed, err := parseDigest(digest)
	if err != nil {
		return false, false, err
	}

	computed := argon2.IDKey(
		[]byte(password),
		parsed.salt,
		parsed.time,
		parsed.memory,
		parsed.parallelism,
		uint32(len(parsed.key)),
	)

	if subtle.ConstantTimeCompare(computed, parsed.key) != 1 {
		return false, false, nil
	}

	needsRehash = parsed.memory < h.params.Memory ||
		parsed.time < h.params.Time ||
		parsed.parallelism < h.params.Parallelism ||
		uint32(len(parsed.key)) != h.params.KeyLength

	return true, needsRehash, nil
}

type parsedDigest struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	key         []byte
}

func parseDigest(digest string) (*parsedDigest, error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return nil, ErrInvalidDigest
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") || version != argon2.Version {
		return nil, ErrInvalidDigest
	}

	var p parsedDigest
	for _, pair := range strings.Split(parts[3], ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, ErrInvalidDigest
		}
		n, err := strconv.ParseUint(kv[1], 10, 32)
		if err != nil {
			return nil, ErrInvalidDigest
		}
		switch kv[0] {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.time = uint32(n)
		case "p":
			if n > 255 {
				return nil, ErrInvalidDigest
			}
			p.parallelism = uint8(n)
		default:
			return nil, ErrInvalidDigest
		}
	}
	if p.memory == 0 || p.time == 0 || p.parallelism == 0 {
		return nil, ErrInvalidDigest
	}

	p.salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(p.salt) < 8 {
		return nil, ErrInvalidDigest
	}
	p.key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(p.key) < 16 {
		return nil, ErrInvalidDigest
	}

	return &p, nil
}

package sevenz

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"unicode/utf16"

	"github.com/cariboulabs/sevenz/pkg/metrics"
)

// aesCoderID is 7-Zip's coder ID for AES-256 + SHA-256 (AES256SHA256).
var aesCoderID = []byte{0x06, 0xF1, 0x07, 0x01}

const (
	aesBlockSize  = 16
	aesKeySize    = 32
	noHashingPow  = 63 // sentinel numCyclesPower meaning "use the raw key"
)

// aesProperties is the parsed form of the AES coder's property blob
// (spec.md §4.3). The blob is 1 byte when no salt/IV are present, or
// 2+saltSize+ivSize bytes otherwise.
type aesProperties struct {
	numCyclesPower byte
	salt           []byte
	iv             [16]byte
}

func parseAESProperties(props []byte) (*aesProperties, error) {
	if len(props) == 0 {
		return nil, newErr(KindMalformed, "aes: empty property blob")
	}

	b0 := props[0]
	out := &aesProperties{numCyclesPower: b0 & 0x3F}

	if b0&0xC0 == 0 {
		if len(props) != 1 {
			return nil, newErr(KindMalformed, "aes: expected 1-byte property blob, got %d", len(props))
		}
		return out, nil
	}

	if len(props) < 2 {
		return nil, newErr(KindMalformed, "aes: property blob missing salt/iv size byte")
	}
	b1 := props[1]

	saltSize := int((b0>>7)&1) + int(b1>>4)
	ivSize := int((b0>>6)&1) + int(b1&0x0F)
	if ivSize > 16 {
		// p7zip truncates silently; this implementation rejects per
		// spec.md's §9 open-question resolution.
		return nil, newErr(KindMalformed, "aes: iv size %d exceeds 16", ivSize)
	}

	wantLen := 2 + saltSize + ivSize
	if len(props) != wantLen {
		return nil, newErr(KindMalformed, "aes: property blob length %d, want %d", len(props), wantLen)
	}

	out.salt = append([]byte(nil), props[2:2+saltSize]...)
	copy(out.iv[:], props[2+saltSize:2+saltSize+ivSize])
	return out, nil
}

// utf16lePassword encodes password as UTF-16LE without a BOM, per
// spec.md §4.3. The returned slice must be zeroed by the caller once the
// derived key has been produced (spec.md §5, §9: password material is
// sensitive and must not be left for the allocator to reclaim silently).
func utf16lePassword(password string) []byte {
	units := utf16.Encode([]rune(password))
	out := make([]byte, len(units)*2)
	for i, u := range units {
		out[2*i] = byte(u)
		out[2*i+1] = byte(u >> 8)
	}
	return out
}

// deriveKey implements 7-Zip's 7zAes key-derivation rule. With
// numCyclesPower == 63 the "key" is simply the salt/password concatenation,
// truncated or zero-padded to 32 bytes. Otherwise the key is the SHA-256
// digest of 2^numCyclesPower iterations over
// salt || utf16le(password) || le32(round) || 4 zero bytes, where only the
// 4-byte round counter changes between iterations.
func deriveKey(p *aesProperties, passwordUTF16 []byte, m *metrics.Metrics) [aesKeySize]byte {
	var key [aesKeySize]byte

	if p.numCyclesPower == noHashingPow {
		raw := append(append([]byte(nil), p.salt...), passwordUTF16...)
		n := copy(key[:], raw)
		for i := n; i < aesKeySize; i++ {
			key[i] = 0
		}
		return key
	}

	buf := make([]byte, len(p.salt)+len(passwordUTF16)+8)
	copy(buf, p.salt)
	copy(buf[len(p.salt):], passwordUTF16)
	counterOff := len(p.salt) + len(passwordUTF16)

	h := sha256.New()
	rounds := uint64(1) << p.numCyclesPower
	for round := uint64(0); round < rounds; round++ {
		buf[counterOff+0] = byte(round)
		buf[counterOff+1] = byte(round >> 8)
		buf[counterOff+2] = byte(round >> 16)
		buf[counterOff+3] = byte(round >> 24)
		// buf[counterOff+4:counterOff+8] stay zero for every round.
		h.Write(buf)
	}

	digest := h.Sum(nil)
	copy(key[:], digest)
	m.RecordKDFRounds(int64(rounds))

	for i := range buf {
		buf[i] = 0
	}
	return key
}

// aesCBCDecrypt decrypts ciphertext in place with AES-256-CBC and no
// padding. len(ciphertext) must be a positive multiple of the AES block
// size; trimming the result down to a logical plaintext length recorded
// elsewhere in the container is the caller's responsibility.
func aesCBCDecrypt(key [aesKeySize]byte, iv [16]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aesBlockSize != 0 {
		return nil, newErr(KindBadLength, "ciphertext length %d is not a positive multiple of %d", len(ciphertext), aesBlockSize)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, wrapErr(KindMalformed, err, "aes: invalid key")
	}

	out := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv[:])
	mode.CryptBlocks(out, ciphertext)
	return out, nil
}

// zeroKey overwrites a derived key in place. Called once the folder that
// needed it has finished decoding (spec.md §5, §9).
func zeroKey(key *[aesKeySize]byte) {
	for i := range key {
		key[i] = 0
	}
}

// aesCoder is the registry factory for the AES256SHA256 coder. It is
// always present in a fresh Registry (spec.md §4.4): decompression codecs
// are host-injected, but decryption is the one coder this package cannot
// delegate away, since it is the subject of the specification.
type aesCoder struct {
	password string
	metrics  *metrics.Metrics
}

func newAESCoder(password string) coderUnit {
	return &aesCoder{password: password, metrics: metrics.New()}
}

// setMetrics lets buildFolderPlan/execute (folder.go) inject the owning
// Reader's own metrics instance in place of the fresh one newAESCoder
// allocates as a safe default, keeping KDF-round counters scoped to the
// Reader that did the work rather than shared across every open archive in
// the process (spec.md §5).
func (c *aesCoder) setMetrics(m *metrics.Metrics) { c.metrics = m }

func (c *aesCoder) streamCounts() (in, out int) { return 1, 1 }

func (c *aesCoder) decode(props []byte, inputs [][]byte, declaredOutSizes []int64) ([][]byte, error) {
	if len(inputs) != 1 {
		return nil, newErr(KindMalformed, "aes: expected exactly one input stream, got %d", len(inputs))
	}
	if c.password == "" {
		return nil, &Error{Kind: KindPasswordRequired, FileIndex: -1, Msg: "archive contains an AES coder but no password was supplied"}
	}

	parsed, err := parseAESProperties(props)
	if err != nil {
		return nil, err
	}

	passwordUTF16 := utf16lePassword(c.password)
	key := deriveKey(parsed, passwordUTF16, c.metrics)
	for i := range passwordUTF16 {
		passwordUTF16[i] = 0
	}

	plaintext, err := aesCBCDecrypt(key, parsed.iv, inputs[0])
	zeroKey(&key)
	if err != nil {
		return nil, err
	}

	if len(declaredOutSizes) == 1 && declaredOutSizes[0] >= 0 && declaredOutSizes[0] <= int64(len(plaintext)) {
		plaintext = plaintext[:declaredOutSizes[0]]
	}

	return [][]byte{plaintext}, nil
}

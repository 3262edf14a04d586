package dray

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

var idBlock cipher.Block
var idPrefix []byte

func init() {
	// Fallback for tests. Real key material is loaded at startup.
	if err := ReceivedIDInit([]byte("draytestkey01234"), []byte("drayrand")); err != nil {
		panic(err)
	}
}

// ReceivedIDInit configures the 16-byte AES key and 8-byte random prefix that
// ReceivedID encrypts with.
func ReceivedIDInit(key, prefix []byte) error {
	c, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	idBlock = c
	idPrefix = prefix
	return nil
}

// ReceivedID returns an opaque ID for the connection, for use in Received
// headers.
//
// Cids are assigned from a counter, and writing them to messages directly
// would leak how many connections this server handles. So the cid is
// encrypted, with a per-install key and random prefix. The original cid can
// be recovered from an ID with the cid subcommand, to find the connection in
// the logs.
func ReceivedID(cid int64) string {
	buf := make([]byte, aes.BlockSize)
	copy(buf, idPrefix)
	binary.BigEndian.PutUint64(buf[8:], uint64(cid))
	idBlock.Encrypt(buf, buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// ReceivedToCid decrypts an ID from a Received header back into the cid it
// was made from.
func ReceivedToCid(s string) (int64, error) {
	buf, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("decode base64: %v", err)
	} else if len(buf) != aes.BlockSize {
		return 0, fmt.Errorf("got %d bytes, need %d", len(buf), aes.BlockSize)
	}
	idBlock.Decrypt(buf, buf)
	if !bytes.Equal(buf[:8], idPrefix) {
		return 0, fmt.Errorf("prefix mismatch")
	}
	return int64(binary.BigEndian.Uint64(buf[8:])), nil
}

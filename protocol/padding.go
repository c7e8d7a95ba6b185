package protocol

import "errors"

// paddingSentinel terminates the plaintext inside a padded buffer. Everything
// after it must be zero bytes.
const paddingSentinel = 0x80

// padBlockSize is the bucket size messages are padded to before encryption,
// hiding the exact plaintext length from the transport.
const padBlockSize = 160

// ErrInvalidPadding indicates a decrypted buffer whose trailing bytes do not
// follow the sentinel scheme.
var ErrInvalidPadding = errors.New("protocol: invalid padding")

// Pad appends the sentinel byte and zero-fills the buffer up to the next
// multiple of the padding block size.
func Pad(plaintext []byte) []byte {
	padded := make([]byte, paddedLength(len(plaintext)))
	copy(padded, plaintext)
	padded[len(plaintext)] = paddingSentinel
	return padded
}

func paddedLength(n int) int {
	// One byte is always reserved for the sentinel.
	return ((n + padBlockSize) / padBlockSize) * padBlockSize
}

// Unpad strips sentinel padding from a decrypted buffer. It scans from the
// end for the first non-zero byte, which must be the sentinel; the bytes
// before it are the plaintext. Any other trailing byte value, or a buffer
// with no sentinel at all, is invalid.
func Unpad(padded []byte) ([]byte, error) {
	for i := len(padded) - 1; i >= 0; i-- {
		switch padded[i] {
		case 0x00:
			continue
		case paddingSentinel:
			plaintext := make([]byte, i)
			copy(plaintext, padded[:i])
			return plaintext, nil
		default:
			return nil, ErrInvalidPadding
		}
	}
	return nil, ErrInvalidPadding
}

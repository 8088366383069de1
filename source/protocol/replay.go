package protocol

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

// DefaultTimestampTolerance bounds the accepted age of a ClientHello
// salt timestamp in either direction.
const DefaultTimestampTolerance = 30 * time.Second

// ExtractTimestamp reads the unix-seconds timestamp from the first 8
// bytes of a ClientHello salt (little-endian).
func ExtractTimestamp(salt [32]byte) uint64 {
	return binary.LittleEndian.Uint64(salt[:8])
}

// NewSalt fills a salt with random bytes and stamps the current unix
// time into its first 8 bytes.
func NewSalt(random [32]byte, now time.Time) [32]byte {
	salt := random
	binary.LittleEndian.PutUint64(salt[:8], uint64(now.Unix()))
	return salt
}

// ValidateTimestamp rejects bootstrap packets whose timestamp differs
// from the local clock by more than the tolerance, distinguishing stale
// from future-dated timestamps so operators can spot clock skew.
func ValidateTimestamp(clientTimestamp uint64, now time.Time, tolerance time.Duration) error {
	localNow := uint64(now.Unix())

	var age uint64
	tooOld := localNow >= clientTimestamp
	if tooOld {
		age = localNow - clientTimestamp
	} else {
		age = clientTimestamp - localNow
	}

	if age > uint64(tolerance/time.Second) {
		if tooOld {
			return errors.Wrapf(ErrTimestampTooOld, "age %ds, tolerance %ds", age, tolerance/time.Second)
		}
		return errors.Wrapf(ErrTimestampInFuture, "ahead by %ds, tolerance %ds", age, tolerance/time.Second)
	}
	return nil
}

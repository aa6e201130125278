package xid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

const tokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// Token returns "<unix-ms>-<6 base36 chars>". The millisecond prefix lets
// readers tell how old a token is.
func Token() string {
	return TokenAt(time.Now())
}

func TokenAt(at time.Time) string {
	return fmt.Sprintf("%d-%s", at.UnixMilli(), Suffix(6))
}

// Suffix returns n random base36 characters.
func Suffix(n int) string {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			buf[i] = tokenAlphabet[time.Now().UnixNano()%int64(len(tokenAlphabet))]
			continue
		}
		buf[i] = tokenAlphabet[idx.Int64()]
	}
	return string(buf)
}

// ProcessID identifies one running client process.
func ProcessID() string {
	return "proc-" + uuid.NewString()
}

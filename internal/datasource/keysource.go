package datasource

import (
	"encoding/hex"
	"os"
	"strings"
)

// ParseKeySource decodes a `key` property per spec §4.6: a "0x"/"0X"
// prefix means the remainder is an even-length hex string; otherwise,
// if raw names an existing regular file, its bytes are read; otherwise
// raw is encoded as UTF-8 bytes directly.
func ParseKeySource(raw string) ([]byte, error) {
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return hex.DecodeString(raw[2:])
	}
	if info, err := os.Stat(raw); err == nil && info.Mode().IsRegular() {
		return os.ReadFile(raw)
	}
	return []byte(raw), nil
}

package vtable

import (
	"encoding/hex"
	"strings"
)

const (
	// AliasPrefix starts every file table alias.
	AliasPrefix = "file_"
	// GenericAlias is the reserved name a single-file plan may also use.
	GenericAlias = "data"
)

// AliasFor derives the table alias of a file. Lower-case letters and digits are
// kept; every other byte is written as _xx (lower-case hex), so distinct file ids
// always produce distinct aliases and the result is a valid unquoted identifier.
func AliasFor(fileID string) string {
	var b strings.Builder
	b.Grow(len(AliasPrefix) + len(fileID))
	b.WriteString(AliasPrefix)
	for i := 0; i < len(fileID); i++ {
		c := fileID[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('_')
		b.WriteString(hex.EncodeToString([]byte{c}))
	}
	return b.String()
}

// FileIDFromAlias reverses AliasFor. ok is false when name is not a well-formed alias.
func FileIDFromAlias(name string) (string, bool) {
	if !strings.HasPrefix(name, AliasPrefix) || len(name) == len(AliasPrefix) {
		return "", false
	}
	enc := name[len(AliasPrefix):]
	out := make([]byte, 0, len(enc))
	for i := 0; i < len(enc); i++ {
		c := enc[i]
		switch {
		case (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9'):
			out = append(out, c)
		case c == '_' && i+2 < len(enc) && isLowerHex(enc[i+1]) && isLowerHex(enc[i+2]):
			decoded, err := hex.DecodeString(enc[i+1 : i+3])
			if err != nil {
				return "", false
			}
			out = append(out, decoded[0])
			i += 2
		default:
			return "", false
		}
	}
	id := string(out)
	if AliasFor(id) != name {
		return "", false // non-canonical encoding such as _61 for "a"
	}
	return id, true
}

// IsAlias reports whether name has the shape of a file table alias.
func IsAlias(name string) bool {
	_, ok := FileIDFromAlias(name)
	return ok
}

func isLowerHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

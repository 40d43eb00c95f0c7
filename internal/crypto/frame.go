package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alanyoungcy/shadowsettle/internal/domain"
)

// DecodeFrame parses a bet frame transported as hex, with or without a 0x
// prefix, or as standard base64. Input made only of hex digits is always
// read as hex.
func DecodeFrame(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("crypto/ecies: %w: empty frame", domain.ErrInvalidBet)
	}
	var (
		frame []byte
		err   error
	)
	if h, ok := hexBody(s); ok {
		frame, err = hex.DecodeString(h)
	} else {
		frame, err = base64.StdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("crypto/ecies: %w: frame encoding: %v", domain.ErrInvalidBet, err)
	}
	if len(frame) < MinFrameLen {
		return nil, fmt.Errorf("crypto/ecies: %w: frame is %d bytes", domain.ErrInvalidBet, len(frame))
	}
	return frame, nil
}

// hexBody strips an optional 0x prefix and reports whether the rest is
// non-empty hex of even length. A 0x prefix alone forces the hex path so
// malformed hex is reported rather than base64-decoded.
func hexBody(s string) (string, bool) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:], true
	}
	if len(s)%2 != 0 {
		return s, false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return s, false
		}
	}
	return s, true
}

// EncodeFrame renders a frame as 0x-hex.
func EncodeFrame(frame []byte) string {
	return "0x" + hex.EncodeToString(frame)
}


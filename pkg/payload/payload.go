package payload

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Encoding 描述未签名交易 payload 的编码。
type Encoding string

const (
	EncodingBase64 Encoding = "base64"
	EncodingHex    Encoding = "hex"
)

// MaxSize 是解码后 payload 的上限，防止恶意请求占满内存。
const MaxSize = 64 * 1024

// NormalizeEncoding 将用户输入转换为内部常量，默认 base64。
func NormalizeEncoding(raw string) (Encoding, error) {
	switch strings.ToLower(raw) {
	case "", string(EncodingBase64):
		return EncodingBase64, nil
	case string(EncodingHex):
		return EncodingHex, nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", raw)
	}
}

var (
	errEmpty    = errors.New("payload is empty")
	errTooLarge = fmt.Errorf("payload exceeds %d bytes", MaxSize)
)

// Decode 将 payload 解码为二进制并验证大小。
func Decode(raw string, enc Encoding) ([]byte, error) {
	if raw == "" {
		return nil, errEmpty
	}
	var decoded []byte
	var err error
	switch enc {
	case EncodingBase64:
		decoded, err = base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 payload: %w", err)
		}
	case EncodingHex:
		decoded, err = hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid hex payload: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
	if len(decoded) == 0 {
		return nil, errEmpty
	}
	if len(decoded) > MaxSize {
		return nil, errTooLarge
	}
	return decoded, nil
}

// Validate 确保 payload 可按给定编码解码且大小合规。
func Validate(raw string, enc Encoding) error {
	_, err := Decode(raw, enc)
	return err
}

package secretbox

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lumenpay/bridge/pkg/flowerrors"
)

// 密文布局: salt(16) || nonce(24) || AEAD ciphertext。
const saltSize = 16

// Argon2id 参数，遵循 RFC 9106 的低内存推荐档。
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// Box 用用户凭证封装钱包密钥：argon2id 导出密钥，XChaCha20-Poly1305 密封。
// Open 失败只报告一个笼统的 BAD_CREDENTIAL，不泄露是密文损坏还是凭证错误。
type Box struct{}

// New 构造 Box。
func New() *Box {
	return &Box{}
}

// Seal 用凭证加密 secret。
func (b *Box) Seal(secret []byte, credential string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(credential, salt)
	defer Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+aead.NonceSize()+len(secret)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, secret, nil), nil
}

// Open 用凭证解开密文。任何失败都返回同一个 BAD_CREDENTIAL。
func (b *Box) Open(ciphertext []byte, credential string) ([]byte, error) {
	if len(ciphertext) < saltSize+chacha20poly1305.NonceSizeX {
		return nil, errBadCredential()
	}
	salt := ciphertext[:saltSize]
	nonce := ciphertext[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	sealed := ciphertext[saltSize+chacha20poly1305.NonceSizeX:]

	key := deriveKey(credential, salt)
	defer Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errBadCredential()
	}
	secret, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errBadCredential()
	}
	return secret, nil
}

// Zero 抹除敏感字节。
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func deriveKey(credential string, salt []byte) []byte {
	return argon2.IDKey([]byte(credential), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

func errBadCredential() error {
	return flowerrors.New(flowerrors.CodeBadCredential, "credential rejected")
}

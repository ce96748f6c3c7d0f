package qr

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"time"

	"github.com/skip2/go-qrcode"

	"ms-advent/internal/models"
)

// Payload is what the scanner at the redemption point decrypts out of a
// winner's QR code.
type Payload struct {
	RewardID        string    `json:"reward_id"`
	UserID          string    `json:"user_id"`
	Day             int       `json:"day"`
	PrizeName       string    `json:"prize_name"`
	RedemptionToken string    `json:"redemption_token"`
	IssuedAt        time.Time `json:"issued_at"`
}

type QRGenerator struct {
	secret []byte
}

func NewQRGenerator(secret string) *QRGenerator {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &QRGenerator{secret: hashed[:]}
}

// EncryptPayload serializes and encrypts the payload to the string form
// embedded in the QR image. The scanner submits this string back for
// redemption.
func (q *QRGenerator) EncryptPayload(payload Payload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return encryptAES(data, q.secret)
}

// GenerateEncryptedQR renders the reward's redemption payload as a PNG QR
// code with the payload AES-encrypted, so the image alone leaks nothing.
func (q *QRGenerator) GenerateEncryptedQR(reward models.Reward) ([]byte, error) {
	encrypted, err := q.EncryptPayload(Payload{
		RewardID:        reward.RewardID,
		UserID:          reward.UserID,
		Day:             reward.Day,
		PrizeName:       reward.PrizeName,
		RedemptionToken: reward.RedemptionToken,
		IssuedAt:        reward.IssuedAt,
	})
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(encrypted, qrcode.Medium, 256)
}

// DecryptPayload reverses GenerateEncryptedQR's encryption for the
// redemption scanner.
func (q *QRGenerator) DecryptPayload(encrypted string) (*Payload, error) {
	data, err := decryptAES(encrypted, q.secret)
	if err != nil {
		return nil, err
	}
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func encryptAES(data []byte, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(data))
	iv := ciphertext[:aes.BlockSize]

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], data)

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

func decryptAES(encrypted string, key []byte) ([]byte, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aes.BlockSize {
		return nil, io.ErrUnexpectedEOF
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	iv := ciphertext[:aes.BlockSize]
	data := make([]byte, len(ciphertext)-aes.BlockSize)

	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(data, ciphertext[aes.BlockSize:])

	return data, nil
}

package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Identity is the persistent signing identity of a boat server or client
type Identity struct {
	ClientID   string `json:"client_id"`
	PrivateKey string `json:"private_key"` // Base64
	PublicKey  string `json:"public_key"`  // Base64
}

// LoadOrGenerateIdentity ensures a stable identity across restarts.
// It checks ENV vars first, then the file at path, and generates new keys
// if neither exist.
func LoadOrGenerateIdentity(path, clientID string) (*Identity, error) {
	// 1. Check Env Vars (Priority)
	envPub := os.Getenv("IDENTITY_PUBLIC_KEY")
	envPriv := os.Getenv("IDENTITY_PRIVATE_KEY")
	if envPub != "" && envPriv != "" {
		id := &Identity{ClientID: clientID, PublicKey: envPub, PrivateKey: envPriv}
		if id.ClientID == "" {
			id.ClientID = uuid.NewString()
		}
		return id, nil
	}

	// 2. Check local persistence file
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var id Identity
			if err := json.Unmarshal(data, &id); err == nil && id.PrivateKey != "" {
				if clientID != "" {
					id.ClientID = clientID
				}
				return &id, nil
			}
		}
	}

	// 3. Generate New Identity
	id, err := GenerateIdentity(clientID)
	if err != nil {
		return nil, err
	}

	// Save to file for persistence
	if path != "" {
		_ = os.MkdirAll(filepath.Dir(path), 0o755)
		data, _ := json.MarshalIndent(id, "", "  ")
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("save identity: %w", err)
		}
	}
	return id, nil
}

// GenerateIdentity creates a fresh in-memory key pair.
func GenerateIdentity(clientID string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keys: %w", err)
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &Identity{
		ClientID:   clientID,
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	}, nil
}

// Sign returns the base64 Ed25519 signature of message.
func (i *Identity) Sign(message string) (string, error) {
	priv, err := base64.StdEncoding.DecodeString(i.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %v", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid private key size")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(ed25519.PrivateKey(priv), []byte(message))), nil
}

// SignedMessage is the canonical string signed in an identity handshake.
func SignedMessage(clientID, boatID string, timestamp int64) string {
	return strings.Join([]string{clientID, boatID, strconv.FormatInt(timestamp, 10)}, "|")
}

// VerifySignature checks an Ed25519 signature
func VerifySignature(publicKeyBase64, message, signatureBase64 string) (bool, error) {
	pubBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return false, fmt.Errorf("invalid public key: %v", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}

	sigBytes, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false, fmt.Errorf("invalid signature: %v", err)
	}

	return ed25519.Verify(pubBytes, []byte(message), sigBytes), nil
}

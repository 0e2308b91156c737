// Package config assembles server configuration from the environment, with
// generated secrets persisted in a keys directory next to the executable so
// restarts keep working tokens and push subscriptions.
package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	HTTPPort  string
	HTTPSPort string
	Domain    string
	HTTPOnly  bool

	DBPath string

	TURNPort  int
	TURNRealm string

	JWTSecret string
	VAPIDKeys *VAPIDKeys
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Load reads configuration from the environment and the keys directory.
// Missing secrets are generated and saved so the next start reuses them.
func Load(httpOnly bool) *Config {
	return &Config{
		HTTPPort:  getEnv("HTTP_PORT", "8080"),
		HTTPSPort: getEnv("HTTPS_PORT", "8443"),
		Domain:    getEnv("DOMAIN", "localhost"),
		HTTPOnly:  httpOnly,
		DBPath:    getEnv("DB_PATH", "callbridge.db"),
		TURNPort:  getEnvInt("TURN_PORT", 3478),
		TURNRealm: getEnv("TURN_REALM", "callbridge"),
		JWTSecret: loadOrGenerateJWTSecret(),
		VAPIDKeys: loadVAPIDKeys(),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}

func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := getKeysDirectory()
	secretFile := filepath.Join(keysDir, "jwt-secret.key")

	if data, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret
		}
	}

	secret := generateRandomSecret()
	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			fmt.Printf("Warning: failed to save JWT secret: %v\n", err)
		}
	}
	return secret
}

func loadVAPIDKeys() *VAPIDKeys {
	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")
	if publicKey != "" && privateKey != "" {
		return &VAPIDKeys{
			PublicKey:  publicKey,
			PrivateKey: privateKey,
			Subject:    getEnv("VAPID_SUBJECT", "mailto:admin@callbridge.local"),
		}
	}

	keysDir := getKeysDirectory()
	publicKeyFile := filepath.Join(keysDir, "vapid-public.key")
	privateKeyFile := filepath.Join(keysDir, "vapid-private.key")
	subjectFile := filepath.Join(keysDir, "vapid-subject.key")

	if publicData, err := os.ReadFile(publicKeyFile); err == nil {
		if privateData, err := os.ReadFile(privateKeyFile); err == nil {
			private := strings.TrimSpace(string(privateData))
			// The webpush library needs the raw 32-byte P-256 scalar; older
			// PKCS#8 files are discarded and regenerated.
			if decoded, err := base64.RawURLEncoding.DecodeString(private); err == nil && len(decoded) == 32 {
				subject := getEnv("VAPID_SUBJECT", "mailto:admin@callbridge.local")
				if subjectData, err := os.ReadFile(subjectFile); err == nil {
					subject = strings.TrimSpace(string(subjectData))
				}
				return &VAPIDKeys{
					PublicKey:  strings.TrimSpace(string(publicData)),
					PrivateKey: private,
					Subject:    subject,
				}
			}
			os.Remove(publicKeyFile)
			os.Remove(privateKeyFile)
			os.Remove(subjectFile)
		}
	}

	keys := generateVAPIDKeys()
	if err := saveVAPIDKeys(keysDir, keys); err != nil {
		fmt.Printf("Warning: failed to save VAPID keys: %v\n", err)
	}
	return keys
}

func generateVAPIDKeys() *VAPIDKeys {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic("failed to generate VAPID keys: " + err.Error())
	}

	// Browsers want the uncompressed 65-byte public point; the webpush
	// library wants the raw 32-byte private scalar. Both base64url, no
	// padding.
	publicBytes := make([]byte, 65)
	publicBytes[0] = 0x04
	private.PublicKey.X.FillBytes(publicBytes[1:33])
	private.PublicKey.Y.FillBytes(publicBytes[33:65])

	privateBytes := make([]byte, 32)
	private.D.FillBytes(privateBytes)

	return &VAPIDKeys{
		PublicKey:  base64.RawURLEncoding.EncodeToString(publicBytes),
		PrivateKey: base64.RawURLEncoding.EncodeToString(privateBytes),
		Subject:    getEnv("VAPID_SUBJECT", "mailto:admin@callbridge.local"),
	}
}

func saveVAPIDKeys(keysDir string, keys *VAPIDKeys) error {
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return fmt.Errorf("create keys directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(keysDir, "vapid-public.key"), []byte(keys.PublicKey), 0600); err != nil {
		return fmt.Errorf("save public key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(keysDir, "vapid-private.key"), []byte(keys.PrivateKey), 0600); err != nil {
		return fmt.Errorf("save private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(keysDir, "vapid-subject.key"), []byte(keys.Subject), 0600); err != nil {
		return fmt.Errorf("save subject: %w", err)
	}
	return nil
}

func getKeysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

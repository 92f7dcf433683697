package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"spotrunner/internal/crypto"
)

const postgresSecretPath = "/run/secrets/postgres_password"

// loadCredentials resolves the exchange keys, decrypting the _ENC forms
// when the plain values are absent
func loadCredentials(v *viper.Viper, ex *ExchangeConfig) error {
	ex.APIKey = strings.TrimSpace(v.GetString("BINANCE_API_KEY"))
	ex.APISecret = strings.TrimSpace(v.GetString("BINANCE_API_SECRET"))

	encKey := v.GetString("BINANCE_API_KEY_ENC")
	encSecret := v.GetString("BINANCE_API_SECRET_ENC")
	if (ex.APIKey != "" || encKey == "") && (ex.APISecret != "" || encSecret == "") {
		return nil
	}

	key, err := crypto.LoadEncryptionKey(v.GetString("ENCRYPTION_KEY_FILE"))
	if err != nil {
		return err
	}
	if ex.APIKey == "" && encKey != "" {
		if ex.APIKey, err = crypto.DecryptSecret(encKey, key); err != nil {
			return fmt.Errorf("failed to decrypt BINANCE_API_KEY_ENC: %w", err)
		}
	}
	if ex.APISecret == "" && encSecret != "" {
		if ex.APISecret, err = crypto.DecryptSecret(encSecret, key); err != nil {
			return fmt.Errorf("failed to decrypt BINANCE_API_SECRET_ENC: %w", err)
		}
	}
	return nil
}

// loadPostgresPassword prefers the Docker secret over POSTGRES_PASSWORD
func loadPostgresPassword(v *viper.Viper) string {
	path := v.GetString("POSTGRES_PASSWORD_FILE")
	if path == "" {
		path = postgresSecretPath
	}
	if data, err := os.ReadFile(path); err == nil {
		return strings.TrimSpace(string(data))
	}
	return v.GetString("POSTGRES_PASSWORD")
}

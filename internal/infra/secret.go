package infra

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"

	"schema-migrator/config"
)

// Decrypter は暗号文を復号するインターフェース。
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// ResolveDatabaseURL は接続文字列を決定する。
// DATABASE_URL が優先され、無ければ DATABASE_URL_CIPHERTEXT（base64）を復号する。
func ResolveDatabaseURL(ctx context.Context, cfg *config.Config, dec Decrypter) (string, error) {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL, nil
	}
	if cfg.DatabaseURLCiphertext == "" {
		return "", errors.New("DATABASE_URL or DATABASE_URL_CIPHERTEXT environment variable is required")
	}
	if dec == nil {
		return "", errors.New("a decrypter is required for DATABASE_URL_CIPHERTEXT")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(cfg.DatabaseURLCiphertext)
	if err != nil {
		return "", fmt.Errorf("decoding DATABASE_URL_CIPHERTEXT: %w", err)
	}

	plaintext, err := dec.Decrypt(ctx, ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypting DATABASE_URL_CIPHERTEXT: %w", err)
	}

	return strings.TrimSpace(string(plaintext)), nil
}

// OpenDatabase は設定から接続文字列を解決し、データベースに接続する。
// 暗号化された接続文字列の場合のみKMSクライアントを生成する。
func OpenDatabase(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	var dec Decrypter
	if cfg.DatabaseURL == "" && cfg.DatabaseURLCiphertext != "" {
		kmsClient, err := NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			return nil, err
		}
		defer func() {
			if closeErr := kmsClient.Close(); closeErr != nil {
				slog.ErrorContext(ctx, "failed to close KMS client", "error", closeErr)
			}
		}()
		dec = kmsClient
	}

	dsn, err := ResolveDatabaseURL(ctx, cfg, dec)
	if err != nil {
		return nil, err
	}

	db, err := NewDB(dsn, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

package db

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"mealcredits/internal/config"
)

// NewFirebaseApp builds the Firebase Admin app from a credentials file, a
// base64 encoded service account, or Application Default Credentials, in
// that order.
func NewFirebaseApp(ctx context.Context, cfg config.Config) (*firebase.App, error) {
	var opts []option.ClientOption
	switch {
	case cfg.GoogleApplicationCredentials != "":
		if _, err := os.Stat(cfg.GoogleApplicationCredentials); os.IsNotExist(err) {
			log.Warn().Str("path", cfg.GoogleApplicationCredentials).Msg("firebase credentials file does not exist")
		}
		opts = append(opts, option.WithCredentialsFile(cfg.GoogleApplicationCredentials))
	case cfg.FirebaseServiceAccountJSONBase64 != "":
		decoded, err := base64.StdEncoding.DecodeString(cfg.FirebaseServiceAccountJSONBase64)
		if err != nil {
			return nil, fmt.Errorf("decode FIREBASE_SERVICE_ACCOUNT_JSON_BASE64: %w", err)
		}
		opts = append(opts, option.WithCredentialsJSON(decoded))
	default:
		log.Info().Msg("firebase using application default credentials")
	}

	var appCfg *firebase.Config
	if cfg.FirebaseProjectID != "" {
		appCfg = &firebase.Config{ProjectID: cfg.FirebaseProjectID}
	}

	app, err := firebase.NewApp(ctx, appCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	return app, nil
}

package skillapi

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// TokenSource exchanges a long-lived refresh token for access tokens at
// tokenURL, refreshing them as they expire.
func TokenSource(ctx context.Context, tokenURL, clientID, clientSecret, refreshToken string) oauth2.TokenSource {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	// The token exchange outlives any single request context.
	ctx = context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, &http.Client{Timeout: 30 * time.Second})
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
}

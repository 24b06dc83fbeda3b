package recovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/reelrelay/engine/pkg/channel"
	"github.com/reelrelay/engine/pkg/errclass"
	"golang.org/x/oauth2"
)

// TokenRefresher exchanges an account's refresh token for a fresh access
// token at the provider's token endpoint. Every call carries an explicit
// timeout so a stalled provider cannot hold a prober slot.
type TokenRefresher struct {
	tokenURL string
	timeout  time.Duration
	client   *http.Client
}

func NewTokenRefresher(tokenURL string, timeout time.Duration) *TokenRefresher {
	return &TokenRefresher{
		tokenURL: tokenURL,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *TokenRefresher) Refresh(ctx context.Context, account *channel.AccountModel) (*oauth2.Token, error) {
	if account.RefreshToken == "" {
		return nil, fmt.Errorf("account %s has no refresh token", account.ID)
	}

	cfg := &oauth2.Config{
		ClientID:     account.ClientID,
		ClientSecret: account.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: r.tokenURL},
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)

	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken}).Token()
	if err != nil {
		return nil, err
	}
	return token, nil
}

// SignalFromRefreshError turns a token-endpoint failure into a classifier
// signal, preserving the OAuth error code when the provider sent one.
func SignalFromRefreshError(err error) errclass.Signal {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		sig := errclass.Signal{
			Code:        retrieveErr.ErrorCode,
			Message:     retrieveErr.ErrorDescription,
			Description: string(retrieveErr.Body),
		}
		if retrieveErr.Response != nil {
			sig.HTTPStatus = retrieveErr.Response.StatusCode
		}
		if sig.Message == "" {
			sig.Message = err.Error()
		}
		return sig
	}
	return errclass.Signal{Message: err.Error()}
}

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/signplane/internal/auth"
)

// TokenCmd issues a bearer token for the signing route.
type TokenCmd struct {
	Secret  string        `help:"HMAC secret shared with the server" required:"" env:"SIGNPLANE_TOKEN_SECRET"`
	Subject string        `help:"token subject, usually the calling service" required:""`
	Workers []string      `help:"workers the token may sign with, empty allows all"`
	TTL     time.Duration `help:"token lifetime" default:"24h"`
}

func (c *TokenCmd) Run(_ context.Context, _ *Globals) error {
	token, err := auth.IssueToken([]byte(c.Secret), c.Subject, c.Workers, c.TTL)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Println(token)
	return nil
}

package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/odyssey-erp/odyssey-authz/internal/auth"
)

// TokenOptions defines flags for the token issue command.
type TokenOptions struct {
	Secret string
	Issuer string
	UserID int64
	TTL    time.Duration
	Stdout io.Writer
	Stderr io.Writer
}

// IssueTokenCommand prints a signed bearer token for the given user.
func IssueTokenCommand(opts TokenOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	if opts.UserID <= 0 {
		_, _ = fmt.Fprintln(stderr, "token issue: --user is required and must be positive")
		return 1
	}
	tokens, err := auth.NewTokens(opts.Secret, opts.Issuer, opts.TTL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "token issue: %v\n", err)
		return 1
	}
	signed, err := tokens.Issue(opts.UserID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "token issue: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, signed)
	return 0
}

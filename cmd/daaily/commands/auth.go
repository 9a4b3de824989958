package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/daaily/daaily-go/internal/app"
	"github.com/daaily/daaily-go/internal/credential"
)

// authCommand returns the 'auth' subcommand for managing Daaily authentication.
func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Manage Daaily authentication",
		Commands: []*cli.Command{
			authLoginCommand(),
			authLogoutCommand(),
			authTokenCommand(),
		},
	}
}

// authLoginCommand returns the 'auth login' subcommand.
func authLoginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Exchange the user credentials for a token and save the refresh token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Usage: "user email"},
			&cli.StringFlag{Name: "uid", Usage: "user UID"},
			&cli.StringFlag{Name: "storage", Usage: "refresh token storage (file|keyring|redis)"},
		},
		Action: authLoginAction,
	}
}

// authLogoutCommand returns the 'auth logout' subcommand.
func authLogoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Clear the saved refresh token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "storage", Usage: "refresh token storage (file|keyring|redis)"},
		},
		Action: authLogoutAction,
	}
}

// authTokenCommand returns the 'auth token' subcommand.
func authTokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Acquire a bearer token and show its claims",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "raw", Usage: "print only the token"},
		},
		Action: authTokenAction,
	}
}

// authLoginAction performs a full identity exchange and persists the
// resulting refresh token.
func authLoginAction(ctx context.Context, cmd *cli.Command) error {
	cfg, shutdown, err := setup(ctx, cmd, os.Environ)
	if err != nil {
		return err
	}
	defer flushLogs(ctx, shutdown)

	if err := requireWritableStorage(cfg, "login"); err != nil {
		return err
	}

	if cmd.IsSet("email") {
		cfg.Auth.Email = cmd.String("email")
	}
	if cmd.IsSet("uid") {
		cfg.Auth.UID = cmd.String("uid")
	}
	if err := promptAPIKey(ctx, cfg); err != nil {
		return err
	}

	identity, err := credential.ResolveIdentity(credential.Identity{
		Email:  cfg.Auth.Email,
		UID:    cfg.Auth.UID,
		APIKey: cfg.Auth.APIKey,
	}, cfg.EffectiveProfile().Env, os.LookupEnv)
	if err != nil {
		return err
	}

	store, err := cfg.Auth.NewTokenStore(identity.Email)
	if err != nil {
		return fmt.Errorf("failed to create token store: %w", err)
	}

	// Start from a clean slate so the session performs a full exchange.
	if err := store.Write(ctx, ""); err != nil {
		return fmt.Errorf("failed to clear previous token: %w", err)
	}

	session, err := app.NewSession(ctx, cfg, app.WithTokenStore(store))
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	if _, err := session.Transport().Token(ctx); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Println()
	fmt.Println("=== Login Successful ===")
	if session.Transport().Credential().Snapshot().RefreshToken == "" {
		fmt.Println("The token endpoint returned no refresh token; nothing was saved")
		return nil
	}
	fmt.Printf("Refresh token saved to %s storage\n", cfg.Auth.Storage)
	fmt.Println("Daaily is now configured and ready to use")

	return nil
}

// authLogoutAction clears the saved refresh token.
func authLogoutAction(ctx context.Context, cmd *cli.Command) error {
	cfg, shutdown, err := setup(ctx, cmd, os.Environ)
	if err != nil {
		return err
	}
	defer flushLogs(ctx, shutdown)

	if err := requireWritableStorage(cfg, "logout"); err != nil {
		return err
	}

	user := cfg.Auth.Email
	if user == "" {
		user = os.Getenv(cfg.EffectiveProfile().Env.Email)
	}
	store, err := cfg.Auth.NewTokenStore(user)
	if err != nil {
		return fmt.Errorf("failed to create token store: %w", err)
	}

	// Clear token via empty string write to maintain storage abstraction
	if err := store.Write(ctx, ""); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}

	fmt.Println()
	fmt.Println("=== Logout Successful ===")
	fmt.Println("Refresh token cleared from configured storage")

	return nil
}

// authTokenAction acquires a token and prints its claims. Claims are decoded
// without verification; the token is only inspected, never trusted.
func authTokenAction(ctx context.Context, cmd *cli.Command) error {
	cfg, shutdown, err := setup(ctx, cmd, os.Environ)
	if err != nil {
		return err
	}
	defer flushLogs(ctx, shutdown)

	session, err := app.NewSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	token, err := session.Transport().Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire token: %w", err)
	}

	if cmd.Bool("raw") {
		fmt.Println(token)
		return nil
	}

	claims, err := decodeClaims(token)
	if err != nil {
		return err
	}

	state := session.Transport().Credential().Snapshot()
	fmt.Printf("Profile:  %s\n", session.Profile().Name)
	if !state.Expiry.IsZero() {
		fmt.Printf("Expires:  %s (in %s)\n", state.Expiry.Format(time.RFC3339), time.Until(state.Expiry).Round(time.Second))
	}
	fmt.Println("Claims:")
	keys := make([]string, 0, len(claims))
	for k := range claims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-10s %v\n", k, claims[k])
	}
	return nil
}

// decodeClaims parses the payload of a JWT without checking its signature.
func decodeClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("token is not a JWT: %w", err)
	}
	return claims, nil
}

func requireWritableStorage(cfg *app.Config, action string) error {
	switch cfg.Auth.Storage {
	case app.TokenStorageTypeEnv, app.TokenStorageTypeNone:
		return fmt.Errorf("cannot %s with %s storage. Configure file, keyring or redis storage", action, cfg.Auth.Storage)
	}
	return nil
}

// promptAPIKey asks for the API key when neither config nor environment
// provides one.
func promptAPIKey(ctx context.Context, cfg *app.Config) error {
	if cfg.Auth.APIKey != "" {
		return nil
	}
	if v, ok := os.LookupEnv(cfg.EffectiveProfile().Env.APIKey); ok && v != "" {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("API key not configured and stdin is not a terminal")
	}

	key, err := readSecureInput(ctx, "Enter API key: ")
	if err != nil {
		return err
	}
	if key == "" {
		return errors.New("API key cannot be empty")
	}
	cfg.Auth.APIKey = key
	return nil
}

// readSecureInput reads user input with hidden display and context cancellation support.
// Goroutine+select pattern required because term.ReadPassword has no native context support.
func readSecureInput(ctx context.Context, prompt string) (string, error) {
	fmt.Print(prompt)
	defer fmt.Println()

	type result struct {
		value string
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		inputBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		resultCh <- result{value: string(inputBytes), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return "", fmt.Errorf("failed to read input: %w", res.err)
		}
		return res.value, nil
	}
}

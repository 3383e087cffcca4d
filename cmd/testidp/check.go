package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/verifa/testidp/pkg/idp"
	"github.com/verifa/testidp/pkg/rp"
)

type checkOptions struct {
	issuer       string
	clientID     string
	clientSecret string
	redirectURL  string
	login        string
	scopes       []string
	timeout      time.Duration
	interactive  bool
	output       string
}

var checkOpts checkOptions

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Sign in against a running provider and print the id_token claims.",
	Long: `check plays the browser of the application under test: it starts an
implicit flow with response_mode=form_post, submits the login page and verifies
the id_token posted back to the redirect URI.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if checkOpts.interactive {
			if err := promptLogin(&checkOpts.login); err != nil {
				return err
			}
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), checkOpts.timeout)
		defer cancel()
		driver, err := rp.New(ctx, rp.Config{
			Issuer:       checkOpts.issuer,
			ClientID:     checkOpts.clientID,
			ClientSecret: checkOpts.clientSecret,
			RedirectURL:  checkOpts.redirectURL,
			Scopes:       checkOpts.scopes,
		})
		if err != nil {
			return err
		}
		result, err := driver.Login(ctx, checkOpts.login)
		if err != nil {
			return fmt.Errorf("login as %q: %w", checkOpts.login, err)
		}
		switch checkOpts.output {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result.Claims)
		case "table":
			printClaims(result.Claims)
			return nil
		}
		return fmt.Errorf("unknown output %q", checkOpts.output)
	},
}

func promptLogin(login *string) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Login").
				Placeholder("any login works").
				Value(login).
				Validate(func(str string) error {
					if strings.TrimSpace(str) == "" {
						return errors.New("login must not be empty")
					}
					return nil
				}),
		),
	).WithTheme(huh.ThemeCatppuccin())
	if err := form.Run(); err != nil {
		return fmt.Errorf("form run: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(checkCmd)

	flags := checkCmd.Flags()
	flags.StringVar(&checkOpts.issuer, "issuer", idp.IssuerForPort(idp.DefaultPort), "issuer URL")
	flags.StringVar(&checkOpts.clientID, "client-id", idp.DefaultClientID, "client id")
	flags.StringVar(&checkOpts.clientSecret, "client-secret", idp.DefaultClientSecret, "client secret")
	flags.StringVar(&checkOpts.redirectURL, "redirect-url", idp.DefaultRedirectURIs[0], "redirect URI of the client")
	flags.StringVarP(&checkOpts.login, "login", "l", "testuser", "login to sign in with")
	flags.StringSliceVar(&checkOpts.scopes, "scope", []string{"openid", "profile", "email"}, "scopes to request")
	flags.DurationVar(&checkOpts.timeout, "timeout", 10*time.Second, "timeout of the whole flow")
	flags.BoolVarP(&checkOpts.interactive, "interactive", "i", false, "prompt for the login")
	flags.StringVarP(&checkOpts.output, "output", "o", "table", "output format (table, json)")
}

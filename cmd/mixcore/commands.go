package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nkiryanov/mixcore/internal/models"
	"github.com/nkiryanov/mixcore/internal/rest"
	"github.com/nkiryanov/mixcore/internal/service/auth"
)

type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

// cli holds state shared by commands of one invocation
type cli struct {
	cfg *Config
	io  streams
	app *App
}

func newRootCmd(c *Config, s streams) *cobra.Command {
	cl := &cli{cfg: c, io: s}

	root := &cobra.Command{
		Use:   "mixcore",
		Short: "Command line client for Mixcore CMS",
		Long: `Sign in to a Mixcore CMS instance and call its REST API.

Session is kept in a local file or in redis and is renewed
automatically when the access token expires.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app, err := NewApp(cmd.Context(), cl.cfg, cl.io.err)
			if err != nil {
				return err
			}
			cl.app = app
			return nil
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if cl.app == nil {
				return nil
			}
			var err error
			if cl.cfg.PrintMetrics {
				err = cl.app.WriteMetrics(cl.io.out)
			}
			return errors.Join(err, cl.app.Close())
		},
	}

	c.RegisterFlags(root.PersistentFlags())
	root.SetIn(s.in)
	root.SetOut(s.out)
	root.SetErr(s.err)

	root.AddCommand(
		cl.loginCmd(),
		cl.externalLoginCmd(),
		cl.logoutCmd(),
		cl.refreshCmd(),
		cl.statusCmd(),
		cl.whoamiCmd(),
		cl.settingsCmd(),
		cl.providersCmd(),
		cl.registerCmd(),
		cl.forgotPasswordCmd(),
		cl.resetPasswordCmd(),
		cl.encryptCmd(),
		cl.decryptCmd(),
		cl.uploadCmd(),
	)
	return root
}

func (cl *cli) loginCmd() *cobra.Command {
	var req auth.LoginRequest
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Sign in and store session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Username = args[0]
			if passwordStdin {
				password, err := readLine(cl.io.in)
				if err != nil {
					return err
				}
				req.Password = password
			}

			session, err := cl.app.Auth.Login(cmd.Context(), req)
			if err != nil {
				return err
			}
			cl.printf("Logged in as %s\n", req.Username)
			if len(session.Roles) > 0 {
				cl.printf("Roles: %s\n", strings.Join(session.Roles, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&req.Password, "password", "p", "", "Password")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read password from stdin")
	cmd.Flags().BoolVar(&req.RememberMe, "remember", false, "Ask server for long lived session")
	cmd.Flags().StringVar(&req.Email, "email", "", "Email")
	cmd.Flags().StringVar(&req.ReturnURL, "return-url", "", "Return url")

	return cmd
}

func (cl *cli) externalLoginCmd() *cobra.Command {
	var req auth.ExternalLoginRequest

	cmd := &cobra.Command{
		Use:   "external-login <provider>",
		Short: "Sign in with external provider token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := cl.app.Auth.ExternalLogin(cmd.Context(), req, args[0])
			if err != nil {
				return err
			}
			cl.printf("Logged in with %s, user %s\n", args[0], session.UserID)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Email, "email", "", "Email known to provider")
	cmd.Flags().StringVar(&req.UserName, "username", "", "User name")
	cmd.Flags().StringVar(&req.ExternalAccessToken, "token", "", "Access token issued by provider")

	return cmd
}

func (cl *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Drop stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cl.app.Auth.Logout(cmd.Context())
		},
	}
}

func (cl *cli) refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Renew token pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, err := cl.app.Auth.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			cl.printf("Token refreshed, expires in %ds\n", session.ExpiresIn)
			return nil
		},
	}
}

func (cl *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cl.printf("API:     %s\n", cl.cfg.APIURL)
			cl.printf("State:   %s\n", cl.app.Auth.State())

			session, err := cl.app.Tokens.Load(ctx)
			if err != nil {
				return err
			}
			if session != nil {
				cl.printf("User:    %s\n", session.UserID)
				cl.printf("Roles:   %s\n", strings.Join(session.Roles, ", "))
			}

			lastSync, err := cl.app.Settings.LastSync(ctx)
			if err != nil {
				return err
			}
			if lastSync != nil {
				cl.printf("Synced:  %s\n", lastSync.Format("2006-01-02 15:04:05 MST"))
			}
			return nil
		},
	}
}

func (cl *cli) whoamiCmd() *cobra.Command {
	var current bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show profile of signed in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			get := cl.app.Auth.MyProfile
			if current {
				get = cl.app.Auth.CurrentUser
			}
			profile, err := get(cmd.Context())
			if err != nil {
				return err
			}
			return cl.printJSON(profile)
		},
	}

	cmd.Flags().BoolVar(&current, "current", false, "Use current user endpoint")

	return cmd
}

func (cl *cli) settingsCmd() *cobra.Command {
	var renew, check bool

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show shared settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			// Cache hits do not notify, only settings fetched from server
			unsubscribe := cl.app.Settings.Subscribe(func(s models.Settings) {
				_, _ = fmt.Fprintf(cl.io.err, "Settings synced from server (culture %q)\n", s.Culture)
			})
			defer unsubscribe()

			switch {
			case renew:
				if err := cl.app.Settings.Renew(ctx); err != nil {
					return err
				}
			case check:
				lastSync, err := cl.app.Settings.LastSync(ctx)
				if err != nil {
					return err
				}
				if err := cl.app.Settings.CheckStaleness(ctx, lastSync); err != nil {
					return err
				}
			}

			s, err := cl.app.Settings.Get(ctx, cl.cfg.Culture)
			if err != nil {
				return err
			}
			return cl.printJSON(s)
		},
	}

	cmd.Flags().BoolVar(&renew, "renew", false, "Fetch settings ignoring cache")
	cmd.Flags().BoolVar(&check, "check", false, "Ask server whether configuration changed")

	return cmd
}

func (cl *cli) providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List external login providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			providers, err := cl.app.Auth.ExternalLoginProviders(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range providers {
				cl.printf("%s\t%s\n", p.Provider, p.DisplayName)
			}
			return nil
		},
	}
}

func (cl *cli) registerCmd() *cobra.Command {
	var req auth.RegisterRequest

	cmd := &cobra.Command{
		Use:   "register <username>",
		Short: "Create account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Username = args[0]
			if req.ConfirmPassword == "" {
				req.ConfirmPassword = req.Password
			}
			if err := cl.app.Auth.Register(cmd.Context(), req); err != nil {
				return err
			}
			cl.printf("Account %s created\n", req.Username)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Email, "email", "", "Email")
	cmd.Flags().StringVarP(&req.Password, "password", "p", "", "Password")
	cmd.Flags().StringVar(&req.ConfirmPassword, "confirm", "", "Password confirmation, same as password if empty")

	return cmd
}

func (cl *cli) forgotPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forgot-password <email>",
		Short: "Request password reset code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cl.app.Auth.ForgotPassword(cmd.Context(), auth.ForgotPasswordRequest{Email: args[0]})
			if err != nil {
				return err
			}
			cl.printf("Reset code sent to %s\n", args[0])
			return nil
		},
	}
}

func (cl *cli) resetPasswordCmd() *cobra.Command {
	var req auth.ResetPasswordRequest

	cmd := &cobra.Command{
		Use:   "reset-password <email>",
		Short: "Set new password with reset code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Email = args[0]
			req.ConfirmPassword = req.Password
			if err := cl.app.Auth.ResetPassword(cmd.Context(), req); err != nil {
				return err
			}
			cl.printf("Password changed\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Code, "code", "", "Reset code")
	cmd.Flags().StringVarP(&req.Password, "password", "p", "", "New password")

	return cmd
}

func (cl *cli) encryptCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "encrypt <text>",
		Short: "Encrypt text the way API payloads are encrypted",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			out, err := cl.app.Codec.Encrypt(args[0], keyArgs(key)...)
			if err != nil {
				return err
			}
			cl.printf("%s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Packed key, configured one if empty")

	return cmd
}

func (cl *cli) decryptCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "decrypt <ciphertext>",
		Short: "Decrypt API payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			out, err := cl.app.Codec.Decrypt(args[0], keyArgs(key)...)
			if err != nil {
				return err
			}
			cl.printf("%s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Packed key, configured one if empty")

	return cmd
}

func (cl *cli) uploadCmd() *cobra.Command {
	var field string
	var fields map[string]string
	var quiet bool

	cmd := &cobra.Command{
		Use:   "upload <api-path> <file>...",
		Short: "Upload files with multipart request",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			up := rest.UploadRequest{Fields: fields}

			for _, path := range args[1:] {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("error while opening %s. Err: %w", path, err)
				}
				defer f.Close() // nolint:errcheck
				up.Files = append(up.Files, rest.File{Field: field, Name: filepath.Base(path), Content: f})
			}

			if !quiet {
				up.OnProgress = func(percent int) {
					_, _ = fmt.Fprintf(cl.io.err, "\rUploading %3d%%", percent)
					if percent == 100 {
						_, _ = fmt.Fprintln(cl.io.err)
					}
				}
			}

			env, err := cl.app.Client.Upload(cmd.Context(), args[0], up)
			if err != nil {
				return err
			}
			if len(env.Data) > 0 {
				cl.printf("%s\n", env.Data)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&field, "field", "file", "Form field name for files")
	cmd.Flags().StringToStringVar(&fields, "form", nil, "Extra form fields key=value")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not report progress")

	return cmd
}

func (cl *cli) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(cl.io.out, format, args...)
}

func (cl *cli) printJSON(v any) error {
	enc := json.NewEncoder(cl.io.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func keyArgs(key string) []string {
	if key == "" {
		return nil
	}
	return []string{key}
}

func readLine(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", errors.New("nothing to read from stdin")
	}
	return strings.TrimRight(scanner.Text(), "\r\n"), nil
}

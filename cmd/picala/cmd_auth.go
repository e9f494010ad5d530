package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

type userResponse struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	EmailConfirmed bool   `json:"email_confirmed"`
}

type noticeResponse struct {
	Message string `json:"message"`
}

// passwordFlag reads a password from the flag, PICALA_PASSWORD or stdin
func passwordFlag(in io.Reader, out io.Writer, flag, label string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("PICALA_PASSWORD"); env != "" {
		return env
	}
	return prompt(bufio.NewReader(in), out, label)
}

func newRegisterCmd() *cobra.Command {
	var password, confirm string
	cmd := &cobra.Command{
		Use:   "register <email>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, out := cmd.InOrStdin(), cmd.OutOrStdout()
			password = passwordFlag(in, out, password, "Password: ")
			if confirm == "" {
				confirm = password
			}
			return cmdRegister(cmd.Context(), out, newAPIClient(), args[0], password, confirm)
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().StringVar(&confirm, "confirm-password", "", "password confirmation (defaults to --password)")
	return cmd
}

func cmdRegister(ctx context.Context, out io.Writer, api *apiClient, email, password, confirm string) error {
	var strength struct {
		Label string `json:"label"`
	}
	if err := api.post(ctx, "/v1/auth/password-strength", map[string]string{"password": password}, &strength); err == nil {
		fmt.Fprintf(out, "Password strength: %s\n", strength.Label)
	}

	var result struct {
		User                      userResponse `json:"user"`
		RequiresEmailConfirmation bool         `json:"requiresEmailConfirmation"`
	}
	err := api.post(ctx, "/v1/auth/signup", map[string]string{
		"email":            email,
		"password":         password,
		"confirm_password": confirm,
	}, &result)
	if err != nil {
		return err
	}

	if result.RequiresEmailConfirmation {
		fmt.Fprintf(out, "✓ Account created. Check %s for a verification link.\n", result.User.Email)
		fmt.Fprintln(out, "  Open it with: picala open '<link>'")
		return nil
	}
	fmt.Fprintf(out, "✓ Signed in as %s\n", result.User.Email)
	return nil
}

func newLoginCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Sign in with email and password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password = passwordFlag(cmd.InOrStdin(), cmd.OutOrStdout(), password, "Password: ")
			var user userResponse
			err := newAPIClient().post(cmd.Context(), "/v1/auth/signin", map[string]string{
				"email":    args[0],
				"password": password,
			}, &user)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Signed in as %s\n", user.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Warning string `json:"warning"`
			}
			if err := newAPIClient().post(cmd.Context(), "/v1/auth/signout", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Signed out")
			if resp.Warning != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  ⚠ %s\n", resp.Warning)
			}
			return nil
		},
	}
}

func newWhoAmICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdWhoAmI(cmd.Context(), cmd.OutOrStdout(), newAPIClient())
		},
	}
}

func cmdWhoAmI(ctx context.Context, out io.Writer, api *apiClient) error {
	var user userResponse
	if err := api.get(ctx, "/v1/auth/user", &user); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Code == "SessionMissing" {
			fmt.Fprintln(out, "Not signed in")
			return nil
		}
		return err
	}
	confirmed := "unconfirmed"
	if user.EmailConfirmed {
		confirmed = "confirmed"
	}
	fmt.Fprintf(out, "%s (%s)\n", user.Email, confirmed)
	fmt.Fprintf(out, "id: %s\n", user.ID)
	return nil
}

func newResendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resend [email]",
		Short: "Resend the verification email",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var email string
			if len(args) == 1 {
				email = args[0]
			}
			return sendNotice(cmd, "/v1/auth/resend", email)
		},
	}
}

func newForgotPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forgot-password <email>",
		Short: "Send a password reset email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendNotice(cmd, "/v1/auth/forgot-password", args[0])
		},
	}
}

func sendNotice(cmd *cobra.Command, path, email string) error {
	var notice noticeResponse
	if err := newAPIClient().post(cmd.Context(), path, map[string]string{"email": email}, &notice); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s\n", notice.Message)
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	campusrooms "github.com/campusrooms/campusrooms-go"
)

var (
	loginEmail    string
	loginPassword string
	loginToken    string

	registerEmail    string
	registerPassword string
	registerRole     string
)

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (default $CAMPUSROOMS_PASSWORD)")
	loginCmd.Flags().StringVar(&loginToken, "token", "", "Store an existing bearer token instead of logging in")

	registerCmd.Flags().StringVar(&registerEmail, "email", "", "Account email")
	registerCmd.Flags().StringVar(&registerPassword, "password", "", "Account password (default $CAMPUSROOMS_PASSWORD)")
	registerCmd.Flags().StringVar(&registerRole, "role", "student", "Account role: student or owner")
	_ = registerCmd.MarkFlagRequired("email")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the returned token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		token := loginToken
		if token == "" {
			if loginEmail == "" {
				return fmt.Errorf("either --email or --token is required")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			res, err := getClient(cfg).Auth.Login(ctx, &campusrooms.LoginOptions{
				Email:    loginEmail,
				Password: valueOrDefault(loginPassword, os.Getenv("CAMPUSROOMS_PASSWORD")),
			})
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			token = res.Token
		}

		id, err := storeLogin(cfg, token, time.Now())
		if err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Login successful!")
		fmt.Printf("  User ID: %s\n", id.ID)
		fmt.Printf("  Name:    %s\n", id.DisplayName)
		fmt.Printf("  Role:    %s\n", id.Role)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Create an account and store the returned token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := campusrooms.ParseRole(registerRole)
		if err != nil {
			return err
		}
		if role == campusrooms.RoleAdmin {
			return fmt.Errorf("admin accounts cannot be self-registered")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := getClient(cfg).Auth.Register(ctx, &campusrooms.RegisterOptions{
			Name:     args[0],
			Email:    registerEmail,
			Password: valueOrDefault(registerPassword, os.Getenv("CAMPUSROOMS_PASSWORD")),
			Role:     role,
		})
		if err != nil {
			return fmt.Errorf("registration request failed: %w", err)
		}

		fmt.Println("Registration successful!")
		if res.Token == "" {
			fmt.Println("  Check your inbox to verify the email address, then run 'campusrooms login'.")
			return nil
		}
		id, err := storeLogin(cfg, res.Token, time.Now())
		if err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("  User ID: %s\n", id.ID)
		fmt.Printf("  Role:    %s\n", id.Role)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

// storeLogin decodes token and records it with its identity in cfg.
func storeLogin(cfg *Config, token string, now time.Time) (*campusrooms.Identity, error) {
	id, _, err := campusrooms.ParseCredential(token, now)
	if err != nil {
		return nil, err
	}
	cfg.Auth = ConfigAuth{
		Token:  token,
		UserID: id.ID,
		Role:   string(id.Role),
		Name:   id.DisplayName,
	}
	return id, nil
}

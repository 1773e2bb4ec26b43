/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/roomair/internal/auth"
)

var (
	tokenStaff string
	tokenRoles []string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a staff token for the manager and front desk endpoints",
	Long: `Issue an HS256 token signed with ROOMAIR_JWT_SIGNING_KEY.

Examples:
  roomair token --staff alice --role manager
  roomair token --staff desk-1 --role frontdesk --ttl 12h
`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenStaff, "staff", "", "Staff identifier (required)")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", []string{auth.RoleFrontDesk}, "Role to grant: manager or frontdesk (repeatable)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("staff")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	for _, role := range tokenRoles {
		if role != auth.RoleManager && role != auth.RoleFrontDesk {
			return fmt.Errorf("unknown role %q", role)
		}
	}
	if tokenTTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	token, err := auth.Issue([]byte(cfg.JWTSigningKey), auth.Claims{StaffID: tokenStaff, Roles: tokenRoles}, tokenTTL)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

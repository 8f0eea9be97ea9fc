package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"posgate/internal/gateway"
)

var tokenOperator string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the admin API",
	Long: `Mint a JWT signed with security.jwt.secret_key. The token authorizes the
mutating admin routes: device reload, revocation and outbound send.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, _, err := loadConfiguration()
		if err != nil {
			return err
		}
		if config.UsesDefaultSecret() {
			return fmt.Errorf("security.jwt.secret_key is not configured; refusing to sign with the default secret")
		}

		jwtService := gateway.NewJWTService(
			config.Security.JWT.SecretKey,
			config.Security.JWT.Issuer,
			config.Security.JWT.ExpiryHours,
		)

		token, err := jwtService.GenerateToken(tokenOperator)
		if err != nil {
			return err
		}

		cmd.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenOperator, "operator", "admin", "operator name recorded in the token subject")
}

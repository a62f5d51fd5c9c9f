package cli

import (
	"encoding/json"
	"fmt"

	"github.com/sakif/qaplanet/internal/auth"
	"github.com/sakif/qaplanet/internal/config"
	"github.com/sakif/qaplanet/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rename-user",
		Short: "Change a user's handle",
		Long:  "Rename a user. Fails when the old handle is unknown or the new one is taken.",
		Args:  cobra.NoArgs,
		RunE:  runRenameUser,
	}

	cmd.Flags().String("from", "", "Current handle (required)")
	cmd.Flags().String("to", "", "New handle (required)")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")

	RootCmd.AddCommand(cmd)
}

func runRenameUser(cmd *cobra.Command, args []string) error {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")

	cfg, err := config.Read(configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg)

	db, err := openStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	// no tokens are issued here, so the token service is left out
	users := service.NewAuthService(db, nil, auth.NewPasswordService(), zap.NewNop())
	user, err := users.Rename(cmd.Context(), from, to)
	if err != nil {
		return fmt.Errorf("rename-user: %w", err)
	}

	return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
		"ok":       true,
		"id":       user.ID,
		"username": user.Username,
	})
}

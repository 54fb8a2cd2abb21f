package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/markb/boardsync/internal/db"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
	Long:  `Commands for managing the users access tokens can be minted for.`,
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new user",
	Long: `Create a new user with the specified email.

Examples:
  # Create a new user
  boardsync user create --email user@example.com

  # Create an app admin with a fixed id
  boardsync user create --id ops --email ops@example.com --admin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		email, _ := cmd.Flags().GetString("email")
		name, _ := cmd.Flags().GetString("name")
		admin, _ := cmd.Flags().GetBool("admin")
		dbPath, _ := cmd.Flags().GetString("db")

		if email == "" {
			return fmt.Errorf("--email is required")
		}
		if id == "" {
			id = uuid.NewString()
		}

		database, err := openExisting(dbPath)
		if err != nil {
			return err
		}
		defer database.Close()

		_, err = database.Exec(
			`INSERT INTO users (id, email, display_name, is_app_admin) VALUES (?, ?, ?, ?)`,
			id, email, name, admin,
		)
		if err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}

		fmt.Printf("Created user: %s (ID: %s)\n", email, id)
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all users",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")

		database, err := openExisting(dbPath)
		if err != nil {
			return err
		}
		defer database.Close()

		rows, err := database.Query(`
			SELECT id, COALESCE(email, ''), is_app_admin, created_at FROM users WHERE deleted_at IS NULL ORDER BY created_at
		`)
		if err != nil {
			return fmt.Errorf("failed to query users: %w", err)
		}
		defer rows.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEMAIL\tADMIN\tCREATED")

		count := 0
		for rows.Next() {
			var id, email, createdAt string
			var admin bool
			if err := rows.Scan(&id, &email, &admin, &createdAt); err != nil {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", id, email, admin, createdAt)
			count++
		}
		w.Flush()

		if count == 0 {
			fmt.Println("No users found")
		}
		return rows.Err()
	},
}

func openExisting(dbPath string) (*db.DB, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found at %s. Run 'boardsync init' first", dbPath)
	}
	database, err := db.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return database, nil
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userListCmd)

	// Add --db flag to user parent command (inherited by subcommands)
	userCmd.PersistentFlags().String("db", "data.db", "Path to database file")

	userCreateCmd.Flags().String("id", "", "User id (default: random uuid)")
	userCreateCmd.Flags().String("email", "", "User email (required)")
	userCreateCmd.Flags().String("name", "", "Display name")
	userCreateCmd.Flags().Bool("admin", false, "Grant app admin, which sees every board")
}

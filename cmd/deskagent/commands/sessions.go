package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/deskagent-ai/deskagent/internal/config"
	"github.com/deskagent-ai/deskagent/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		st := store.New(cfg.StorageDir())

		sessions, err := st.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		for _, s := range sessions {
			created := time.UnixMilli(s.Time.Created).Format("2006-01-02 15:04")
			fmt.Printf("%s  %-19s  %-40s %s\n", s.ID, created, s.Title, s.Model)
		}
		return nil
	},
}

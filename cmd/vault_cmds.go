package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pqchat/vault"
)

const (
	flagConversation  = "conversation"
	flagOut           = "out"
	flagIn            = "in"
	flagLimit         = "limit"
	flagRetentionDays = "retention-days"
	flagResolve       = "resolve"
	flagChoice        = "choice"
)

func newExportCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export conversations as checksummed JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			portables, err := a.vault.ExportMessages(v.GetString(flagKey(cmd, flagConversation)))
			if err != nil {
				return err
			}

			var out io.Writer = cmd.OutOrStdout()
			if path := v.GetString(flagKey(cmd, flagOut)); path != "" {
				f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
				if err != nil {
					return fmt.Errorf("create export file: %w", err)
				}
				defer f.Close()
				out = f
			}
			if err := vault.WritePortable(out, portables); err != nil {
				return err
			}
			a.log.WithField("conversations", len(portables)).Info("Export written")
			return nil
		},
	}
	cmd.Flags().String(flagConversation, "", "export only this conversation")
	cmd.Flags().String(flagOut, "", "output file (default stdout)")
	bindFlag(v, cmd, flagConversation)
	bindFlag(v, cmd, flagOut)
	return cmd
}

func newImportCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import conversations from an export file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			var in io.Reader = cmd.InOrStdin()
			if path := v.GetString(flagKey(cmd, flagIn)); path != "" {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("open import file: %w", err)
				}
				defer f.Close()
				in = f
			}
			portables, err := vault.ReadPortable(in)
			if err != nil {
				return err
			}
			imported, err := a.vault.ImportMessages(portables...)
			for _, id := range imported {
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", id)
			}
			return err
		},
	}
	cmd.Flags().String(flagIn, "", "input file (default stdin)")
	bindFlag(v, cmd, flagIn)
	return cmd
}

func newSearchCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search stored messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			results := a.vault.Search(strings.Join(args, " "), vault.SearchOptions{
				ConversationID: v.GetString(flagKey(cmd, flagConversation)),
				Limit:          v.GetInt(flagKey(cmd, flagLimit)),
			})
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SCORE\tTIME\tSENDER\tCONVERSATION\tCONTENT")
			for _, r := range results {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					r.Score,
					r.Entry.Timestamp.Local().Format("2006-01-02 15:04"),
					r.Entry.SenderID,
					r.Entry.ConversationID,
					r.Entry.Content,
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String(flagConversation, "", "restrict to one conversation")
	cmd.Flags().Int(flagLimit, 20, "maximum results")
	bindFlag(v, cmd, flagConversation)
	bindFlag(v, cmd, flagLimit)
	return cmd
}

func newCleanupCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired and out-of-retention messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			days := v.GetInt(flagKey(cmd, flagRetentionDays))
			if days <= 0 {
				days = a.cfg.RetentionDays
			}
			result, err := a.vault.Cleanup(days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d messages, pruned %d replay IDs and %d security events\n",
				result.MessagesRemoved, result.SeenIDsPruned, result.SecurityEventsPruned)
			return nil
		},
	}
	cmd.Flags().Int(flagRetentionDays, 0, "retention in days (default from config)")
	bindFlag(v, cmd, flagRetentionDays)
	return cmd
}

func newStatsCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show vault statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.vault.Stats()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Conversations:\t%d\n", stats.Conversations)
			fmt.Fprintf(w, "Messages:\t%d\n", stats.Messages)
			fmt.Fprintf(w, "Attachments:\t%d\n", stats.AttachmentMessages)
			fmt.Fprintf(w, "Index entries:\t%d\n", stats.IndexEntries)
			fmt.Fprintf(w, "Pending sync:\t%d\n", stats.PendingSync)
			fmt.Fprintf(w, "Pending conflicts:\t%d\n", stats.PendingConflicts)
			fmt.Fprintf(w, "Security events:\t%d\n", stats.SecurityEvents)
			return w.Flush()
		},
	}
}

func newConflictsCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List pending sync conflicts or resolve one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			if id := v.GetString(flagKey(cmd, flagResolve)); id != "" {
				choice := vault.ConflictStrategy(v.GetString(flagKey(cmd, flagChoice)))
				msg, err := a.vault.ResolveConflict(id, choice)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "resolved %s, message %s kept %q\n", id, msg.ID, string(msg.Content.Data))
				return nil
			}

			conflicts, err := a.vault.PendingConflicts()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMESSAGE\tTYPES\tDETECTED")
			for _, c := range conflicts {
				types := make([]string, len(c.Types))
				for i, t := range c.Types {
					types[i] = string(t)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.MessageID, strings.Join(types, ","), c.DetectedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().String(flagResolve, "", "conflict ID to resolve")
	cmd.Flags().String(flagChoice, string(vault.StrategyPreferNewer), "resolution for --resolve")
	bindFlag(v, cmd, flagResolve)
	bindFlag(v, cmd, flagChoice)
	return cmd
}

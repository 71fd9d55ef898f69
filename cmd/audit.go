package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/masterdata-cli/internal/model"
)

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent upload and download runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.ListProcesses(cmd.Context(), auditLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no process log entries")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tKIND\tENTITY\tRESULT\tLINES\tUSER\tFILE\tCOMMENT")
		for _, e := range entries {
			fmt.Fprintln(w, formatProcessEntry(e))
		}
		return w.Flush()
	},
}

func formatProcessEntry(e model.ProcessEntry) string {
	comment := e.Comment
	if len(comment) > 60 {
		comment = comment[:57] + "..."
	}
	return strings.Join([]string{
		e.StartedAt.Format("2006-01-02 15:04:05"),
		string(e.Kind),
		e.AppName,
		string(e.Result),
		fmt.Sprintf("%d", e.TotalLines),
		e.Principal,
		e.FileName,
		comment,
	}, "\t")
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 20, "number of entries to show")
	rootCmd.AddCommand(auditCmd)
}

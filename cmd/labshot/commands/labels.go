package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/labshot/labshot/label"
)

// LabelsCmd lists generated QR labels.
var LabelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "List generated QR labels",
	Long: `List QR labels tracked in the local database.

Examples:
  labshot labels ls                # All labels
  labshot labels ls --record 42    # Labels for one record`,
}

var labelsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List labels",
	RunE:  runLabelsLs,
}

var labelsRecordID int

func init() {
	labelsLsCmd.Flags().IntVar(&labelsRecordID, "record", 0, "Filter by record ID")

	LabelsCmd.AddCommand(labelsLsCmd)
}

func runLabelsLs(cmd *cobra.Command, args []string) error {
	store, err := loadStore(cmd)
	if err != nil {
		return err
	}
	log := cliLogger("labshot")
	database, err := openDatabase(store, log)
	if err != nil {
		return err
	}
	defer database.Close()

	generator := label.NewGenerator(store, database, log)
	labels, err := generator.List(context.Background(), labelsRecordID)
	if err != nil {
		return err
	}
	if len(labels) == 0 {
		pterm.Info.Println("No labels found")
		return nil
	}

	rows := pterm.TableData{{"ID", "Record", "File", "Created"}}
	for _, l := range labels {
		rows = append(rows, []string{
			l.ID,
			fmt.Sprintf("#%d", l.RecordID),
			l.FilePath,
			l.CreatedAt.Format(time.RFC3339),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/visiona/gatenode/internal/models"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent access decisions",
	Long:  `Display the most recent gate decisions from the local access log.`,
	Run:   runLogs,
}

var logsLimit int

func init() {
	logsCmd.Flags().IntVarP(&logsLimit, "n", "n", 20, "Limit the number of entries to show")
}

func runLogs(cmd *cobra.Command, args []string) {
	c := initContextWithLog(nil)
	defer c.Close()

	entries, err := c.Log.Recent(logsLimit)
	if err != nil {
		exitError("failed to read access log: %v", err)
	}

	if len(entries) == 0 {
		fmt.Println("No access events yet")
		return
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	cyan := color.New(color.FgCyan)

	for _, e := range entries {
		ts := e.Timestamp.Local().Format("2006-01-02 15:04:05")

		var who string
		switch e.Class {
		case models.ClassAuthorized, models.ClassWanted:
			who = fmt.Sprintf("%s (%s)", e.Name, shortID(e.PersonID))
		default:
			who = "-"
		}

		line := fmt.Sprintf("%s  track %-4d %-10s %-5s %.2f  %s",
			ts, e.TrackID, e.Class, e.Action, e.Confidence, who)

		switch e.Class {
		case models.ClassAuthorized:
			green.Println(line)
		case models.ClassWanted:
			red.Println(line)
		case models.ClassHidden:
			cyan.Println(line)
		default:
			yellow.Println(line)
		}
	}
}

package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ftcvideo/matchbox/internal/version"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the version, commit, and build date of matchbox.",
	Run: func(cmd *cobra.Command, args []string) {
		if versionJSON {
			data, _ := json.MarshalIndent(version.GetInfo(), "", "  ")
			fmt.Println(string(data))
			return
		}
		fmt.Println(version.String())
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "output version information as JSON")
	rootCmd.AddCommand(versionCmd)
}

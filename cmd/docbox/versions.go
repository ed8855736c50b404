package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/p-arndt/docbox/internal/compat"
)

var versionsJSON bool

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "Print the supported framework and PHP versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d := compat.Default().Descriptor()
		if versionsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		}
		printDescriptor(d)
		return nil
	},
}

func init() {
	versionsCmd.Flags().BoolVar(&versionsJSON, "json", false, "print the descriptor as JSON")
	rootCmd.AddCommand(versionsCmd)
}

func printDescriptor(d compat.Descriptor) {
	names := make([]string, 0, len(d.Frameworks))
	for name := range d.Frameworks {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-10s %-8s %s\n", "FRAMEWORK", "VERSION", "PHP")
	for _, name := range names {
		fw := d.Frameworks[name]
		for _, v := range fw.Versions {
			fmt.Printf("%-10s %-8s %s\n", name, v, strings.Join(fw.PHPCompatibility[v], ", "))
		}
	}
	fmt.Printf("\nspectrum: %s\n", strings.Join(d.SpectrumVersions, ", "))
}

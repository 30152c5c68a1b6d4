package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/gosuri/uitable"
	"github.com/samber/lo"

	"github.com/RichardSlater/bromcom-timetamble-formatter/anonymizer"
)

// printSummary renders the replacement table and the closing status line.
// The originals are shown on purpose: the operator reviewing the run has
// the source document, and the table is how they audit what changed.
func printSummary(report *anonymizer.Report, inputPath, outputPath string) {
	if len(report.Entries) == 0 {
		fmt.Println("No names or form codes detected; output is an unmodified copy.")
	} else {
		entries := append([]anonymizer.Entry(nil), report.Entries...)
		sort.Slice(entries, func(i, j int) bool { return entries[i].Original < entries[j].Original })

		table := uitable.New()
		table.MaxColWidth = 40
		headerfmt := color.New(color.FgGreen, color.Underline).SprintFunc()
		table.AddRow(headerfmt("ORIGINAL"), headerfmt("REPLACEMENT"), headerfmt("CATEGORY"))
		for _, e := range entries {
			table.AddRow(e.Original, e.Replacement, string(e.Category))
		}
		fmt.Println(table)

		counts := lo.CountValuesBy(entries, func(e anonymizer.Entry) anonymizer.Category { return e.Category })
		fmt.Printf("Replaced %d teacher(s), %d student(s), %d form code(s) across %d page(s).\n",
			counts[anonymizer.CategoryTeacher], counts[anonymizer.CategoryStudent],
			counts[anonymizer.CategoryForm], report.Pages)
	}
	if len(report.MetadataFields) > 0 {
		fmt.Printf("Metadata fields rewritten: %s\n", strings.Join(report.MetadataFields, ", "))
	}
	fmt.Println(color.GreenString("✓ Anonymized %s (%s) -> %s (%s)",
		inputPath, fileSize(inputPath), outputPath, fileSize(outputPath)))
}

func fileSize(path string) string {
	fi, err := os.Stat(path)
	if err != nil {
		return "unknown size"
	}
	return humanize.Bytes(uint64(fi.Size()))
}

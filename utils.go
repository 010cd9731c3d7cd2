package main

import (
	"flag"
	"fmt"
	"log"
	"sort"

	"github.com/fatih/color"
)

// checkf aborts the run on setup errors, the %+v rendering the stack the
// wrap sites attached.
func checkf(err error, format string, args ...interface{}) {
	if err == nil {
		return
	}
	log.Printf(format+":", args...)
	log.Fatalf("%+v", err)
}

var errc = color.New(color.BgRed, color.FgWhite).PrintfFunc()

func usage(msg string) {
	errc(" ERROR: %s ", msg)
	fmt.Println()
	fmt.Println("Flags available:")
	flag.PrintDefaults()
}

var (
	okc   = color.New(color.FgGreen).SprintFunc()
	warnc = color.New(color.FgYellow).SprintFunc()
	badc  = color.New(color.BgRed, color.FgWhite).SprintFunc()
)

// printRunSummary renders the per-account outcome table and returns true
// when no account was halted.
func printRunSummary(stats map[string]*accountStats) bool {
	accounts := make([]string, 0, len(stats))
	for a := range stats {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)

	clean := true
	var created, existing, mirrors int
	fmt.Println()
	for _, a := range accounts {
		st := stats[a]
		created += st.Created
		existing += st.SkippedExisting
		mirrors += st.SkippedMirror
		fmt.Printf("%-40s %s %s %s",
			a,
			okc(fmt.Sprintf("%4d created", st.Created)),
			warnc(fmt.Sprintf("%4d existing", st.SkippedExisting)),
			warnc(fmt.Sprintf("%4d mirrors", st.SkippedMirror)))
		if st.Halted != "" {
			clean = false
			fmt.Printf("  %s %s", badc(" HALTED "), st.Halted)
		}
		fmt.Println()
	}
	fmt.Println()
	fmt.Printf("TOTAL: %d created, %d already present, %d transfer mirrors consumed\n",
		created, existing, mirrors)
	return clean
}

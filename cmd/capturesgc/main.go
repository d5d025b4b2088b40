// Command capturesgc prunes dated capture folders under a capture root
// older than a retention window. The supervisor process only ever writes
// new JPEGs; nothing in it deletes old ones, so operators run this
// separately (by hand or on a cron) against both the person/clamp capture
// directory and the production-roll capture directory.
//
// Usage:
//
//	capturesgc [--dir <captureRoot>] [--days <n>] [--dry-run]
//
// Defaults: dir="data/captures", days=30.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const dateLayout = "2006-01-02"

func main() {
	dir := flag.String("dir", "data/captures", "capture root to scan (contains Machine<ID>/<date>/ subdirectories)")
	days := flag.Int("days", 30, "delete dated folders older than this many days")
	dryRun := flag.Bool("dry-run", false, "report what would be deleted without deleting")
	flag.Parse()

	if err := run(*dir, *days, *dryRun); err != nil {
		log.Fatal(err)
	}
}

func run(root string, days int, dryRun bool) error {
	cutoff := time.Now().AddDate(0, 0, -days)

	machineDirs, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return fmt.Errorf("directory %q does not exist", root)
	}
	if err != nil {
		return err
	}

	var removed, kept int
	for _, md := range machineDirs {
		if !md.IsDir() {
			continue
		}
		machinePath := filepath.Join(root, md.Name())
		dateDirs, err := os.ReadDir(machinePath)
		if err != nil {
			log.Printf("capturesgc: skipping %s: %v", machinePath, err)
			continue
		}
		sort.Slice(dateDirs, func(i, j int) bool { return dateDirs[i].Name() < dateDirs[j].Name() })

		for _, dd := range dateDirs {
			if !dd.IsDir() {
				continue
			}
			ts, err := time.Parse(dateLayout, dd.Name())
			if err != nil {
				log.Printf("capturesgc: %s/%s does not look like a date folder, leaving it alone", machinePath, dd.Name())
				continue
			}
			if ts.After(cutoff) {
				kept++
				continue
			}

			target := filepath.Join(machinePath, dd.Name())
			if dryRun {
				fmt.Printf("would remove %s\n", target)
				removed++
				continue
			}
			if err := os.RemoveAll(target); err != nil {
				log.Printf("capturesgc: failed to remove %s: %v", target, err)
				continue
			}
			fmt.Printf("removed %s\n", target)
			removed++
		}
	}

	verb := "removed"
	if dryRun {
		verb = "would remove"
	}
	fmt.Printf("%s %d dated folder(s), kept %d\n", verb, removed, kept)
	return nil
}

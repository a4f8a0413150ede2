// Command migrate bootstraps (or confirms up to date) the gateway's
// sqlite schema, repurposing the teacher's flag-based updatedb shape:
// this schema has no prior versions to convert from, so Open's
// `CREATE TABLE IF NOT EXISTS`/`CREATE VIEW IF NOT EXISTS` bootstrap
// is idempotent and doubles as the only migration step needed.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mways/smsgatewayd/internal/store"
)

func main() {
	var dbPath string
	flag.StringVar(&dbPath, "d", "./data/data.db", "path to sqlite database")
	flag.Parse()

	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Println("opening database returned error:", err)
		os.Exit(1)
	}
	defer st.Close()

	fmt.Printf("database %q schema is up to date.\n", dbPath)
}

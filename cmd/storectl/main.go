// Command storectl is a small operational CLI for the Task Store's SQLite
// database: schema bootstrap and row inspection, adapted from
// cmd/dbctl/main.go's agent_control inspection actions and retargeted at
// the tasks / task_attempts schema.
package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/CLIAIMONITOR/internal/store"
	"github.com/CLIAIMONITOR/internal/types"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := flag.String("db", "data/tasks.db", "path to the Task Store SQLite database")
	action := flag.String("action", "", "action to perform: init, get-task, counts")
	taskID := flag.String("task", "", "task id, required for get-task")
	jsonOutput := flag.Bool("json", false, "emit JSON instead of plain text")
	flag.Parse()

	if *action == "" {
		fmt.Fprintf(os.Stderr, "Usage: storectl -db <path> -action <init|get-task|counts> [-task <id>] [-json]\n")
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	st := store.New(db)

	switch *action {
	case "init":
		if err := st.Init(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize schema: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Initialized schema at %s\n", *dbPath)

	case "get-task":
		if *taskID == "" {
			fmt.Fprintf(os.Stderr, "get-task requires -task\n")
			os.Exit(1)
		}
		task, err := st.Get(*taskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to get task: %v\n", err)
			os.Exit(1)
		}
		printTask(task, *jsonOutput)

	case "counts":
		counts, err := st.CountsByStatus()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read counts: %v\n", err)
			os.Exit(1)
		}
		printCounts(counts, *jsonOutput)

	default:
		fmt.Fprintf(os.Stderr, "Unknown action: %s\n", *action)
		os.Exit(1)
	}
}

func printTask(task *types.Task, jsonOutput bool) {
	if jsonOutput {
		json.NewEncoder(os.Stdout).Encode(task)
		return
	}
	fmt.Printf("id=%s status=%s priority=%s attempts=%d agent=%s\n",
		task.ID, task.Status, task.Priority, task.Attempts, task.AssignedAgentID)
}

func printCounts(counts map[types.TaskStatus]int, jsonOutput bool) {
	if jsonOutput {
		json.NewEncoder(os.Stdout).Encode(counts)
		return
	}
	for status, n := range counts {
		fmt.Printf("%s: %d\n", status, n)
	}
}

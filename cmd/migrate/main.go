// Package main provides the schema migration CLI.
//
// Usage:
//
//	migrate up
//	migrate steps -1
//	migrate version
package main

import (
	"fmt"
	"os"
	"strconv"

	"stocksync/internal/infrastructure/storage/postgres/schema"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "up":
		run(func(m schema.Migrator) error { return schema.IgnoreNoChange(m.Up()) })
	case "down":
		run(func(m schema.Migrator) error { return schema.IgnoreNoChange(m.Down()) })
	case "steps":
		n := intArg("steps")
		run(func(m schema.Migrator) error { return schema.IgnoreNoChange(m.Steps(n)) })
	case "force":
		v := intArg("force")
		run(func(m schema.Migrator) error { return m.Force(v) })
	case "version":
		run(func(schema.Migrator) error { return nil })
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Stocksync Schema Migration CLI

Usage:
  migrate <command> [args]

Commands:
  up           Apply all pending migrations
  down         Roll back all migrations
  steps <n>    Apply n migrations (negative rolls back)
  version      Print the current schema version
  force <v>    Set the version without running migrations (clears dirty state)
  help         Show this help

Environment Variables:
  DATABASE_URL   Connection string (required)`)
}

func intArg(cmd string) int {
	if len(os.Args) < 3 {
		fmt.Printf("Error: %s requires a number\n", cmd)
		os.Exit(1)
	}
	n, err := strconv.Atoi(os.Args[2])
	if err != nil {
		fmt.Printf("Error: invalid number %q: %v\n", os.Args[2], err)
		os.Exit(1)
	}
	return n
}

func run(fn func(m schema.Migrator) error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		fmt.Println("Error: DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	m, err := schema.New(dsn)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			fmt.Printf("Warning: close migrator: source=%v database=%v\n", srcErr, dbErr)
		}
	}()

	if err := fn(m); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if err := printVersion(m); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion(m schema.Migrator) error {
	v, dirty, err := m.Version()
	if err != nil {
		if schema.IsNilVersion(err) {
			fmt.Println("No migrations applied")
			return nil
		}
		return err
	}
	fmt.Printf("Schema version %d (dirty: %t)\n", v, dirty)
	return nil
}

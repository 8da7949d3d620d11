// userctl provisions accounts in the shared database used by the IMAP
// server: add, remove, list users and change passwords.
package main

import (
	"flag"
	"fmt"
	"os"

	"kestrel/internal/accounts"
	"kestrel/internal/db"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  userctl -db <dir> add <username> <password>
  userctl -db <dir> passwd <username> <password>
  userctl -db <dir> del <username>
  userctl -db <dir> list
`)
	os.Exit(2)
}

func main() {
	dbPath := flag.String("db", "/app/data/databases", "Path to database directory")
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	manager, err := db.NewManager(*dbPath)
	if err != nil {
		fatal("failed to open databases: %v", err)
	}
	defer manager.Close()

	store := accounts.NewStore(manager.SharedDB(), "")

	switch args[0] {
	case "add":
		if len(args) != 3 {
			usage()
		}
		if err := store.Create(args[1], args[2]); err != nil {
			fatal("failed to add user: %v", err)
		}
		fmt.Printf("user %s created\n", args[1])
	case "passwd":
		if len(args) != 3 {
			usage()
		}
		if err := store.SetPassword(args[1], args[2]); err != nil {
			fatal("failed to set password: %v", err)
		}
		fmt.Printf("password updated for %s\n", args[1])
	case "del":
		if len(args) != 2 {
			usage()
		}
		if err := store.Delete(args[1]); err != nil {
			fatal("failed to delete user: %v", err)
		}
		fmt.Printf("user %s deleted\n", args[1])
	case "list":
		users, err := store.List()
		if err != nil {
			fatal("failed to list users: %v", err)
		}
		for _, u := range users {
			fmt.Println(u)
		}
	default:
		usage()
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

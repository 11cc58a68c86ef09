package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/INLOpen/relayhub/auth"
	"golang.org/x/term"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	addCmd := flag.NewFlagSet("add", flag.ExitOnError)
	addUserFile := addCmd.String("file", "debug.users", "Path to the password file.")
	addUsername := addCmd.String("username", "", "Username to add.")
	addReplace := addCmd.Bool("replace", false, "Replace the password of an existing user.")

	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listUserFile := listCmd.String("file", "debug.users", "Path to the password file.")

	delCmd := flag.NewFlagSet("delete", flag.ExitOnError)
	delUserFile := delCmd.String("file", "debug.users", "Path to the password file.")
	delUsername := delCmd.String("username", "", "Username to delete.")

	switch os.Args[1] {
	case "add":
		addCmd.Parse(os.Args[2:])
		handleAdd(addCmd, *addUserFile, *addUsername, *addReplace)
	case "list":
		listCmd.Parse(os.Args[2:])
		handleList(*listUserFile)
	case "delete":
		delCmd.Parse(os.Args[2:])
		handleDelete(delCmd, *delUserFile, *delUsername)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: relay-passwd <command> [arguments]")
	fmt.Println("Manages the basic-auth password file of the relay hub debug listener.")
	fmt.Println("Commands:")
	fmt.Println("  add    - Add a user or, with -replace, change a password")
	fmt.Println("  list   - List all users")
	fmt.Println("  delete - Delete a user")
	fmt.Println("\nUse 'relay-passwd <command> -h' for more information on a specific command.")
}

func readPassword() string {
	fmt.Print("Enter password: ")
	bytePassword, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		fmt.Printf("\nError reading password: %v\n", err)
		os.Exit(1)
	}
	fmt.Println()

	fmt.Print("Confirm password: ")
	bytePasswordConfirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		fmt.Printf("\nError reading password confirmation: %v\n", err)
		os.Exit(1)
	}
	fmt.Println()

	if string(bytePassword) != string(bytePasswordConfirm) {
		fmt.Println("Error: Passwords do not match.")
		os.Exit(1)
	}
	if len(bytePassword) == 0 {
		fmt.Println("Error: Password cannot be empty.")
		os.Exit(1)
	}
	return string(bytePassword)
}

func handleAdd(fs *flag.FlagSet, file, username string, replace bool) {
	if username == "" {
		fmt.Println("Error: -username is required.")
		fs.Usage()
		os.Exit(1)
	}

	users, err := auth.ReadUserFile(file)
	if err != nil {
		fmt.Printf("Error reading password file: %v\n", err)
		os.Exit(1)
	}
	if _, exists := users[username]; exists && !replace {
		fmt.Printf("Error: User '%s' already exists. Use -replace to change the password.\n", username)
		os.Exit(1)
	}

	hashedPassword, err := auth.HashPassword(readPassword())
	if err != nil {
		fmt.Printf("Error hashing password: %v\n", err)
		os.Exit(1)
	}
	users[username] = auth.UserRecord{
		Username:     username,
		PasswordHash: hashedPassword,
	}

	if err := auth.WriteUserFile(file, users); err != nil {
		fmt.Printf("Error writing password file: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Successfully saved user '%s' to %s.\n", username, file)
}

func handleList(file string) {
	users, err := auth.ReadUserFile(file)
	if err != nil {
		fmt.Printf("Error reading password file: %v\n", err)
		os.Exit(1)
	}
	if len(users) == 0 {
		fmt.Println("No users found.")
		return
	}

	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Println("Users:")
	fmt.Println("------")
	for _, name := range names {
		fmt.Printf("- %s\n", name)
	}
}

func handleDelete(fs *flag.FlagSet, file, username string) {
	if username == "" {
		fmt.Println("Error: -username is required.")
		fs.Usage()
		os.Exit(1)
	}

	users, err := auth.ReadUserFile(file)
	if err != nil {
		fmt.Printf("Error reading password file: %v\n", err)
		os.Exit(1)
	}
	if _, exists := users[username]; !exists {
		fmt.Printf("Error: User '%s' not found.\n", username)
		os.Exit(1)
	}
	delete(users, username)

	if err := auth.WriteUserFile(file, users); err != nil {
		fmt.Printf("Error writing password file: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Successfully deleted user '%s' from %s.\n", username, file)
}

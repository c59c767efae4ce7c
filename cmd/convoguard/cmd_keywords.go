package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"convoguard/internal/keywords"
)

// =============================================================================
// KEYWORD COMMANDS
// =============================================================================

// keywordsCmd groups keyword-list management
var keywordsCmd = &cobra.Command{
	Use:   "keywords",
	Short: "Check text against and manage the keyword lists",
}

// keywordsCheckCmd screens a text
var keywordsCheckCmd = &cobra.Command{
	Use:   "check <text>",
	Short: "Screen a text against the tenant keyword lists",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runKeywordsCheck,
}

// keywordsAddCmd adds a term
var keywordsAddCmd = &cobra.Command{
	Use:   "add <category> <term>",
	Short: "Add a term to a category (block, sensitive, allow)",
	Args:  cobra.ExactArgs(2),
	RunE:  runKeywordsAdd,
}

// keywordsRemoveCmd removes a term
var keywordsRemoveCmd = &cobra.Command{
	Use:   "remove <category> <term>",
	Short: "Remove a term from a category",
	Args:  cobra.ExactArgs(2),
	RunE:  runKeywordsRemove,
}

// keywordsRenameCmd renames a term in place
var keywordsRenameCmd = &cobra.Command{
	Use:   "rename <category> <old> <new>",
	Short: "Replace a term within a category",
	Args:  cobra.ExactArgs(3),
	RunE:  runKeywordsRename,
}

func init() {
	keywordsCmd.AddCommand(keywordsCheckCmd)
	keywordsCmd.AddCommand(keywordsAddCmd)
	keywordsCmd.AddCommand(keywordsRemoveCmd)
	keywordsCmd.AddCommand(keywordsRenameCmd)
	rootCmd.AddCommand(keywordsCmd)
}

func tenantFilter() (*keywords.Filter, error) {
	path := cfg.Tenant(tenantName).Paths.Keywords
	if path == "" {
		return nil, fmt.Errorf("tenant %s has no keywords path configured", tenantName)
	}
	return keywords.NewFilter(path, keywords.NewCache()), nil
}

func runKeywordsCheck(cmd *cobra.Command, args []string) error {
	filter, err := tenantFilter()
	if err != nil {
		return err
	}

	text := strings.Join(args, " ")
	safe, category, term := filter.Check(text)
	if safe {
		fmt.Println("PASS")
		return nil
	}
	fmt.Printf("HIT %s: %s\n", category, term)
	return nil
}

func runKeywordsAdd(cmd *cobra.Command, args []string) error {
	filter, err := tenantFilter()
	if err != nil {
		return err
	}
	if err := filter.Add(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Added %q to %s\n", args[1], args[0])
	return nil
}

func runKeywordsRemove(cmd *cobra.Command, args []string) error {
	filter, err := tenantFilter()
	if err != nil {
		return err
	}
	if err := filter.Remove(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Removed %q from %s\n", args[1], args[0])
	return nil
}

func runKeywordsRename(cmd *cobra.Command, args []string) error {
	filter, err := tenantFilter()
	if err != nil {
		return err
	}
	if err := filter.Rename(args[0], args[1], args[2]); err != nil {
		return err
	}
	fmt.Printf("Renamed %q to %q in %s\n", args[1], args[2], args[0])
	return nil
}

//go:build !integration

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"scrape", "score", "opportunities", "budget", "retention", "sites", "serve", "import-sales"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "dealerscope", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestBudgetCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range budgetCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"status", "reset", "report"} {
		assert.True(t, names[name], "budget should have subcommand %q", name)
	}
}

func TestScoreCommand_Flags(t *testing.T) {
	flag := scoreCmd.Flags().Lookup("listing-url")
	require.NotNil(t, flag, "score command should have --listing-url flag")

	save := scoreCmd.Flags().Lookup("save")
	require.NotNil(t, save)
	assert.Equal(t, "false", save.DefValue)
}

func TestScrapeCommand_Flags(t *testing.T) {
	flag := scrapeCmd.Flags().Lookup("site")
	require.NotNil(t, flag, "scrape command should have --site flag")
	assert.Equal(t, "[]", flag.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	interval := serveCmd.Flags().Lookup("interval")
	require.NotNil(t, interval)
	assert.Equal(t, "0s", interval.DefValue)
}

func TestOpportunitiesCommand_Flags(t *testing.T) {
	flag := opportunitiesCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "12345678", truncateID("1234567890abcdef"))
	assert.Equal(t, "short", truncateID("short"))
}

// Package main is the entry point for the heksher admin CLI.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/biocatchltd/heksher/internal/cache"
	"github.com/biocatchltd/heksher/internal/instance"
	"github.com/biocatchltd/heksher/internal/registry"
	"github.com/biocatchltd/heksher/internal/storage"
	"github.com/biocatchltd/heksher/internal/storage/memory"
	"github.com/biocatchltd/heksher/internal/storage/mysql"
	"github.com/biocatchltd/heksher/internal/storage/postgres"
)

var (
	serverURL string
	output    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "heksher-admin",
		Short: "Admin CLI for heksher",
		Long:  `A command-line tool for managing context features, settings, and rules in a heksher deployment.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Heksher server URL")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table, json")

	// Context feature commands
	cfCmd := &cobra.Command{
		Use:     "context-feature",
		Aliases: []string{"cf"},
		Short:   "Manage the context feature hierarchy",
	}

	cfListCmd := &cobra.Command{
		Use:   "list",
		Short: "List context features in hierarchy order",
		RunE:  listContextFeatures,
	}

	cfGetCmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Get a context feature's position in the hierarchy",
		Args:  cobra.ExactArgs(1),
		RunE:  getContextFeature,
	}

	cfAddCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Append a context feature to the hierarchy",
		Args:  cobra.ExactArgs(1),
		RunE:  addContextFeature,
	}

	cfDeleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an unused context feature",
		Args:  cobra.ExactArgs(1),
		RunE:  deleteContextFeature,
	}

	cfMoveCmd := &cobra.Command{
		Use:   "move <name>",
		Short: "Move a context feature within the hierarchy",
		Args:  cobra.ExactArgs(1),
		RunE:  moveContextFeature,
	}
	cfMoveCmd.Flags().String("before", "", "Place the feature before this one")
	cfMoveCmd.Flags().String("after", "", "Place the feature after this one")

	cfCmd.AddCommand(cfListCmd, cfGetCmd, cfAddCmd, cfDeleteCmd, cfMoveCmd)

	// Setting commands
	settingCmd := &cobra.Command{
		Use:   "setting",
		Short: "Manage settings",
	}

	settingListCmd := &cobra.Command{
		Use:   "list",
		Short: "List declared settings",
		RunE:  listSettings,
	}
	settingListCmd.Flags().Bool("full", false, "Include type, default value and version")

	settingGetCmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Get a setting by name or alias",
		Args:  cobra.ExactArgs(1),
		RunE:  getSetting,
	}

	settingDeleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a setting and its rules",
		Args:  cobra.ExactArgs(1),
		RunE:  deleteSetting,
	}

	settingRenameCmd := &cobra.Command{
		Use:   "rename <name> <new-name>",
		Short: "Rename a setting, keeping the old name as an alias",
		Args:  cobra.ExactArgs(2),
		RunE:  renameSetting,
	}
	settingRenameCmd.Flags().String("version", "", "New declaration version (required, must bump)")
	_ = settingRenameCmd.MarkFlagRequired("version")

	settingCmd.AddCommand(settingListCmd, settingGetCmd, settingDeleteCmd, settingRenameCmd)

	// Rule commands
	ruleCmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage rules",
	}

	ruleGetCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a rule by ID",
		Args:  cobra.ExactArgs(1),
		RunE:  getRule,
	}

	ruleSearchCmd := &cobra.Command{
		Use:   "search",
		Short: "Find a rule by setting and exact conditions",
		RunE:  searchRule,
	}
	ruleSearchCmd.Flags().String("setting", "", "Setting name (required)")
	ruleSearchCmd.Flags().String("feature-values", "", "Conditions as feature:value pairs, comma-separated (required)")
	_ = ruleSearchCmd.MarkFlagRequired("setting")
	_ = ruleSearchCmd.MarkFlagRequired("feature-values")

	ruleDeleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE:  deleteRule,
	}

	ruleCmd.AddCommand(ruleGetCmd, ruleSearchCmd, ruleDeleteCmd)

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show client and server version information",
		RunE:  showVersion,
	}

	// Init command - prepare the database directly, without a running server
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the heksher database",
		Long: `Initialize a heksher deployment by connecting directly to the database,
creating the schema, and optionally seeding the context feature hierarchy.

Use this to bootstrap a fresh deployment before the first server starts.

Examples:
  # Initialize with PostgreSQL
  heksher-admin init --storage-type postgres \
    --pg-host localhost --pg-port 5432 --pg-database heksher \
    --pg-user postgres --pg-password secret \
    --context-features "environment;user;theme"

  # Initialize with MySQL
  heksher-admin init --storage-type mysql \
    --mysql-host localhost --mysql-port 3306 --mysql-database heksher \
    --mysql-user root --mysql-password secret

Environment variables can also be used:
  HEKSHER_PG_HOST, HEKSHER_PG_PORT, etc.
  HEKSHER_MYSQL_HOST, HEKSHER_MYSQL_PORT, etc.
`,
		RunE: initDatabase,
	}
	initCmd.Flags().String("storage-type", "postgres", "Storage type: postgres, mysql, memory")
	// PostgreSQL flags
	initCmd.Flags().String("pg-host", getEnvOrDefault("HEKSHER_PG_HOST", "localhost"), "PostgreSQL host")
	initCmd.Flags().Int("pg-port", getEnvOrDefaultInt("HEKSHER_PG_PORT", 5432), "PostgreSQL port")
	initCmd.Flags().String("pg-database", getEnvOrDefault("HEKSHER_PG_DATABASE", "heksher"), "PostgreSQL database")
	initCmd.Flags().String("pg-user", getEnvOrDefault("HEKSHER_PG_USER", "postgres"), "PostgreSQL user")
	initCmd.Flags().String("pg-password", getEnvOrDefault("HEKSHER_PG_PASSWORD", ""), "PostgreSQL password")
	initCmd.Flags().String("pg-sslmode", getEnvOrDefault("HEKSHER_PG_SSLMODE", "disable"), "PostgreSQL SSL mode")
	// MySQL flags
	initCmd.Flags().String("mysql-host", getEnvOrDefault("HEKSHER_MYSQL_HOST", "localhost"), "MySQL host")
	initCmd.Flags().Int("mysql-port", getEnvOrDefaultInt("HEKSHER_MYSQL_PORT", 3306), "MySQL port")
	initCmd.Flags().String("mysql-database", getEnvOrDefault("HEKSHER_MYSQL_DATABASE", "heksher"), "MySQL database")
	initCmd.Flags().String("mysql-user", getEnvOrDefault("HEKSHER_MYSQL_USER", "root"), "MySQL user")
	initCmd.Flags().String("mysql-password", getEnvOrDefault("HEKSHER_MYSQL_PASSWORD", ""), "MySQL password")
	initCmd.Flags().String("mysql-tls", getEnvOrDefault("HEKSHER_MYSQL_TLS", "false"), "MySQL TLS mode")
	// Seed flags
	initCmd.Flags().String("context-features", "", "Context features to ensure, semicolon-separated in hierarchy order")

	rootCmd.AddCommand(cfCmd, settingCmd, ruleCmd, versionCmd, initCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// HTTP client helper. Decodes the response into out when out is non-nil and
// the server sent a body.
func doRequest(method, path string, body, out interface{}) error {
	url := strings.TrimSuffix(serverURL, "/") + path

	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req) // #nosec G704 -- admin CLI tool; URL is from user-provided --server flag
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		// Conflict bodies are either {"message": ...}, {"conflicts": [...]}
		// or plain text.
		var apiErr struct {
			Message   string   `json:"message"`
			Conflicts []string `json:"conflicts"`
		}
		if json.Unmarshal(data, &apiErr) == nil {
			if apiErr.Message != "" {
				return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
			}
			if len(apiErr.Conflicts) > 0 {
				return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.Join(apiErr.Conflicts, "; "))
			}
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Context feature commands

func listContextFeatures(cmd *cobra.Command, args []string) error {
	var result struct {
		ContextFeatures []string `json:"context_features"`
	}
	if err := doRequest("GET", "/api/v1/context_features", nil, &result); err != nil {
		return err
	}

	if output == "json" {
		return printJSON(result.ContextFeatures)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME")
	for i, name := range result.ContextFeatures {
		fmt.Fprintf(w, "%d\t%s\n", i, name)
	}
	return w.Flush()
}

func getContextFeature(cmd *cobra.Command, args []string) error {
	var result struct {
		Index int `json:"index"`
	}
	if err := doRequest("GET", "/api/v1/context_features/"+args[0], nil, &result); err != nil {
		return err
	}

	if output == "json" {
		return printJSON(result)
	}

	fmt.Printf("Name:  %s\n", args[0])
	fmt.Printf("Index: %d\n", result.Index)
	return nil
}

func addContextFeature(cmd *cobra.Command, args []string) error {
	body := map[string]string{"context_feature": args[0]}
	if err := doRequest("POST", "/api/v1/context_features", body, nil); err != nil {
		return err
	}

	fmt.Printf("Context feature %q added.\n", args[0])
	return nil
}

func deleteContextFeature(cmd *cobra.Command, args []string) error {
	if err := doRequest("DELETE", "/api/v1/context_features/"+args[0], nil, nil); err != nil {
		return err
	}

	fmt.Printf("Context feature %q deleted.\n", args[0])
	return nil
}

func moveContextFeature(cmd *cobra.Command, args []string) error {
	before, _ := cmd.Flags().GetString("before")
	after, _ := cmd.Flags().GetString("after")
	if (before == "") == (after == "") {
		return fmt.Errorf("exactly one of --before and --after is required")
	}

	body := map[string]string{}
	if before != "" {
		body["to_before"] = before
	} else {
		body["to_after"] = after
	}

	if err := doRequest("PATCH", "/api/v1/context_features/"+args[0]+"/index", body, nil); err != nil {
		return err
	}

	fmt.Printf("Context feature %q moved.\n", args[0])
	return nil
}

// Setting commands

func listSettings(cmd *cobra.Command, args []string) error {
	full, _ := cmd.Flags().GetBool("full")

	if !full {
		var result struct {
			Settings []struct {
				Name string `json:"name"`
			} `json:"settings"`
		}
		if err := doRequest("GET", "/api/v1/settings", nil, &result); err != nil {
			return err
		}

		if output == "json" {
			return printJSON(result.Settings)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME")
		for _, s := range result.Settings {
			fmt.Fprintf(w, "%s\n", s.Name)
		}
		return w.Flush()
	}

	var result struct {
		Settings []struct {
			Name         string          `json:"name"`
			Type         string          `json:"type"`
			DefaultValue json.RawMessage `json:"default_value"`
			Version      string          `json:"version"`
		} `json:"settings"`
	}
	if err := doRequest("GET", "/api/v1/settings?include_additional_data=true", nil, &result); err != nil {
		return err
	}

	if output == "json" {
		return printJSON(result.Settings)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tDEFAULT\tVERSION")
	for _, s := range result.Settings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Type, string(s.DefaultValue), s.Version)
	}
	return w.Flush()
}

func getSetting(cmd *cobra.Command, args []string) error {
	var result struct {
		Name                 string          `json:"name"`
		ConfigurableFeatures []string        `json:"configurable_features"`
		Type                 string          `json:"type"`
		DefaultValue         json.RawMessage `json:"default_value"`
		Metadata             map[string]any  `json:"metadata"`
		Aliases              []string        `json:"aliases"`
		Version              string          `json:"version"`
	}
	if err := doRequest("GET", "/api/v1/settings/"+args[0], nil, &result); err != nil {
		return err
	}

	if output == "json" {
		return printJSON(result)
	}

	fmt.Printf("Name:     %s\n", result.Name)
	fmt.Printf("Type:     %s\n", result.Type)
	fmt.Printf("Default:  %s\n", string(result.DefaultValue))
	fmt.Printf("Version:  %s\n", result.Version)
	fmt.Printf("Features: %s\n", strings.Join(result.ConfigurableFeatures, ", "))
	if len(result.Aliases) > 0 {
		fmt.Printf("Aliases:  %s\n", strings.Join(result.Aliases, ", "))
	}
	if len(result.Metadata) > 0 {
		fmt.Printf("Metadata:\n")
		for k, v := range result.Metadata {
			fmt.Printf("  %s: %v\n", k, v)
		}
	}
	return nil
}

func deleteSetting(cmd *cobra.Command, args []string) error {
	if err := doRequest("DELETE", "/api/v1/settings/"+args[0], nil, nil); err != nil {
		return err
	}

	fmt.Printf("Setting %q deleted.\n", args[0])
	return nil
}

func renameSetting(cmd *cobra.Command, args []string) error {
	version, _ := cmd.Flags().GetString("version")
	body := map[string]string{"name": args[1], "version": version}

	if err := doRequest("PUT", "/api/v1/settings/"+args[0]+"/name", body, nil); err != nil {
		return err
	}

	fmt.Printf("Setting %q renamed to %q.\n", args[0], args[1])
	return nil
}

// Rule commands

func getRule(cmd *cobra.Command, args []string) error {
	var result struct {
		Setting       string          `json:"setting"`
		Value         json.RawMessage `json:"value"`
		FeatureValues [][2]string     `json:"feature_values"`
		Metadata      map[string]any  `json:"metadata"`
	}
	if err := doRequest("GET", "/api/v1/rules/"+args[0], nil, &result); err != nil {
		return err
	}

	if output == "json" {
		return printJSON(result)
	}

	fmt.Printf("ID:      %s\n", args[0])
	fmt.Printf("Setting: %s\n", result.Setting)
	fmt.Printf("Value:   %s\n", string(result.Value))
	fmt.Printf("Conditions:\n")
	for _, pair := range result.FeatureValues {
		fmt.Printf("  %s = %s\n", pair[0], pair[1])
	}
	if len(result.Metadata) > 0 {
		fmt.Printf("Metadata:\n")
		for k, v := range result.Metadata {
			fmt.Printf("  %s: %v\n", k, v)
		}
	}
	return nil
}

func searchRule(cmd *cobra.Command, args []string) error {
	setting, _ := cmd.Flags().GetString("setting")
	featureValues, _ := cmd.Flags().GetString("feature-values")

	var result struct {
		RuleID int64 `json:"rule_id"`
	}
	path := "/api/v1/rules/search?setting=" + setting + "&feature_values=" + featureValues
	if err := doRequest("GET", path, nil, &result); err != nil {
		return err
	}

	if output == "json" {
		return printJSON(result)
	}

	fmt.Printf("Rule ID: %d\n", result.RuleID)
	return nil
}

func deleteRule(cmd *cobra.Command, args []string) error {
	if err := doRequest("DELETE", "/api/v1/rules/"+args[0], nil, nil); err != nil {
		return err
	}

	fmt.Printf("Rule %s deleted.\n", args[0])
	return nil
}

// Version command

func showVersion(cmd *cobra.Command, args []string) error {
	var health struct {
		Version string `json:"version"`
	}
	healthErr := doRequest("GET", "/api/health", nil, &health)

	if output == "json" {
		info := instance.BuildInfo()
		if healthErr == nil {
			info["server_version"] = health.Version
		}
		return printJSON(info)
	}

	fmt.Printf("heksher-admin %s (commit: %s, built: %s)\n",
		instance.Version, instance.GitCommit, instance.BuildTime)
	if healthErr != nil {
		fmt.Printf("server: unreachable (%v)\n", healthErr)
		return nil
	}
	fmt.Printf("server %s at %s\n", health.Version, serverURL)
	return nil
}

// Helpers

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

// initDatabase connects directly to the database, creating the schema and
// seeding the context feature hierarchy.
func initDatabase(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	storageType, _ := cmd.Flags().GetString("storage-type")
	featuresRaw, _ := cmd.Flags().GetString("context-features")

	fmt.Printf("Connecting to %s storage...\n", storageType)

	var store storage.Storage
	var err error

	switch storageType {
	case "postgres", "postgresql":
		pgHost, _ := cmd.Flags().GetString("pg-host")
		pgPort, _ := cmd.Flags().GetInt("pg-port")
		pgDatabase, _ := cmd.Flags().GetString("pg-database")
		pgUser, _ := cmd.Flags().GetString("pg-user")
		pgPassword, _ := cmd.Flags().GetString("pg-password")
		pgSSLMode, _ := cmd.Flags().GetString("pg-sslmode")

		store, err = postgres.NewStore(postgres.Config{
			Host:         pgHost,
			Port:         pgPort,
			Database:     pgDatabase,
			Username:     pgUser,
			Password:     pgPassword,
			SSLMode:      pgSSLMode,
			MaxOpenConns: 5,
			MaxIdleConns: 2,
		})

	case "mysql":
		mysqlHost, _ := cmd.Flags().GetString("mysql-host")
		mysqlPort, _ := cmd.Flags().GetInt("mysql-port")
		mysqlDatabase, _ := cmd.Flags().GetString("mysql-database")
		mysqlUser, _ := cmd.Flags().GetString("mysql-user")
		mysqlPassword, _ := cmd.Flags().GetString("mysql-password")
		mysqlTLS, _ := cmd.Flags().GetString("mysql-tls")

		store, err = mysql.NewStore(mysql.Config{
			Host:         mysqlHost,
			Port:         mysqlPort,
			Database:     mysqlDatabase,
			Username:     mysqlUser,
			Password:     mysqlPassword,
			TLS:          mysqlTLS,
			MaxOpenConns: 5,
			MaxIdleConns: 2,
		})

	case "memory":
		store = memory.NewStore()

	default:
		return fmt.Errorf("unsupported storage type: %s", storageType)
	}

	if err != nil {
		return fmt.Errorf("failed to connect to storage: %w", err)
	}
	defer store.Close() //nolint:errcheck

	fmt.Println("Connected; schema is up to date.")

	if featuresRaw != "" {
		features := []string{}
		for _, part := range strings.Split(featuresRaw, ";") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				features = append(features, trimmed)
			}
		}

		reg := registry.New(store, cache.NewTypeCache(64, time.Minute))
		if err := reg.EnsureContextFeatures(ctx, features); err != nil {
			return fmt.Errorf("failed to reconcile context features: %w", err)
		}
		fmt.Printf("Context features reconciled: %s\n", strings.Join(features, ", "))
	}

	return nil
}

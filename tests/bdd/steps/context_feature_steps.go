package steps

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/cucumber/godog"
)

// RegisterContextFeatureSteps wires steps for the context feature hierarchy.
func RegisterContextFeatureSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	ctx.Step(`^the context features "([^"]*)" are defined$`, func(list string) error {
		for _, name := range splitList(list) {
			payload := map[string]string{"context_feature": name}
			if err := tc.DoJSON(http.MethodPost, "/api/v1/context_features", payload); err != nil {
				return err
			}
			if tc.LastStatusCode != http.StatusNoContent {
				return fmt.Errorf("adding context feature %q: status %d, body %s", name, tc.LastStatusCode, tc.LastBody)
			}
		}
		return nil
	})

	ctx.Step(`^the context features should be "([^"]*)"$`, func(list string) error {
		if err := tc.Get("/api/v1/context_features"); err != nil {
			return err
		}
		if tc.LastStatusCode != http.StatusOK {
			return fmt.Errorf("listing context features: status %d, body %s", tc.LastStatusCode, tc.LastBody)
		}
		var parsed struct {
			ContextFeatures []string `json:"context_features"`
		}
		if err := json.Unmarshal(tc.LastBody, &parsed); err != nil {
			return fmt.Errorf("decoding context features: %w", err)
		}
		expected := splitList(list)
		if !reflect.DeepEqual(parsed.ContextFeatures, expected) {
			return fmt.Errorf("expected context features %v, got %v", expected, parsed.ContextFeatures)
		}
		return nil
	})
}

// splitList splits a comma separated list and trims whitespace around items.
func splitList(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

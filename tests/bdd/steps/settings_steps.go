package steps

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/cucumber/godog"
)

// RegisterSettingSteps wires steps for setting declaration and inspection.
func RegisterSettingSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	declare := func(name string, doc *godog.DocString) error {
		var body map[string]interface{}
		if err := json.Unmarshal([]byte(doc.Content), &body); err != nil {
			return fmt.Errorf("decoding declaration body: %w", err)
		}
		body["name"] = name
		return tc.DoJSON(http.MethodPost, "/api/v1/settings/declare", body)
	}

	// Given form: the declaration is setup, so it must succeed.
	ctx.Step(`^setting "([^"]*)" is declared with:$`, func(name string, doc *godog.DocString) error {
		if err := declare(name, doc); err != nil {
			return err
		}
		if tc.LastStatusCode != http.StatusOK {
			return fmt.Errorf("declaring setting %q: status %d, body %s", name, tc.LastStatusCode, tc.LastBody)
		}
		return nil
	})

	// When form: the declaration outcome is asserted by later steps.
	ctx.Step(`^I declare setting "([^"]*)" with:$`, func(name string, doc *godog.DocString) error {
		return declare(name, doc)
	})

	ctx.Step(`^the declaration outcome should be "([^"]*)"$`, func(expected string) error {
		actual, err := tc.JSONFieldString("outcome")
		if err != nil {
			return err
		}
		if actual != expected {
			return fmt.Errorf("expected outcome %q, got %q: %s", expected, actual, tc.LastBody)
		}
		return nil
	})

	ctx.Step(`^the differences should contain "([^"]*)"$`, func(needle string) error {
		var parsed struct {
			Differences []string `json:"differences"`
		}
		if err := json.Unmarshal(tc.LastBody, &parsed); err != nil {
			return fmt.Errorf("decoding differences: %w", err)
		}
		for _, diff := range parsed.Differences {
			if strings.Contains(diff, needle) {
				return nil
			}
		}
		return fmt.Errorf("no difference contains %q: %v", needle, parsed.Differences)
	})

	ctx.Step(`^the aliases should be "([^"]*)"$`, func(list string) error {
		var parsed struct {
			Aliases []string `json:"aliases"`
		}
		if err := json.Unmarshal(tc.LastBody, &parsed); err != nil {
			return fmt.Errorf("decoding aliases: %w", err)
		}
		expected := splitList(list)
		if !reflect.DeepEqual(parsed.Aliases, expected) {
			return fmt.Errorf("expected aliases %v, got %v", expected, parsed.Aliases)
		}
		return nil
	})

	// Type strings carry quotes (Enum["a","b"]) that would appear escaped in
	// the raw body, so the comparison runs on the decoded field.
	ctx.Step(`^the setting type should be:$`, func(doc *godog.DocString) error {
		actual, err := tc.JSONFieldString("type")
		if err != nil {
			return err
		}
		expected := strings.TrimSpace(doc.Content)
		if actual != expected {
			return fmt.Errorf("expected type %q, got %q", expected, actual)
		}
		return nil
	})

	ctx.Step(`^the conflict list should contain:$`, func(doc *godog.DocString) error {
		var parsed struct {
			Conflicts []string `json:"conflicts"`
		}
		if err := json.Unmarshal(tc.LastBody, &parsed); err != nil {
			return fmt.Errorf("decoding conflicts: %w", err)
		}
		needle := tc.ReplacePlaceholders(strings.TrimSpace(doc.Content))
		for _, conflict := range parsed.Conflicts {
			if strings.Contains(conflict, needle) {
				return nil
			}
		}
		return fmt.Errorf("no conflict contains %q: %v", needle, parsed.Conflicts)
	})
}

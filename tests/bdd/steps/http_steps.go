package steps

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cucumber/godog"
)

// RegisterHTTPSteps wires the generic request/response steps.
func RegisterHTTPSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	ctx.Step(`^the service is running$`, func() error {
		if err := tc.Get("/api/health"); err != nil {
			return err
		}
		if tc.LastStatusCode != http.StatusOK {
			return fmt.Errorf("service is not healthy: status %d, body %s", tc.LastStatusCode, tc.LastBody)
		}
		return nil
	})

	ctx.Step(`^I GET "([^"]*)"$`, func(path string) error {
		return tc.Get(path)
	})

	ctx.Step(`^I POST "([^"]*)" with body:$`, func(path string, body *godog.DocString) error {
		return tc.DoRaw(http.MethodPost, path, body.Content)
	})

	ctx.Step(`^I PUT "([^"]*)" with body:$`, func(path string, body *godog.DocString) error {
		return tc.DoRaw(http.MethodPut, path, body.Content)
	})

	ctx.Step(`^I PATCH "([^"]*)" with body:$`, func(path string, body *godog.DocString) error {
		return tc.DoRaw(http.MethodPatch, path, body.Content)
	})

	ctx.Step(`^I DELETE "([^"]*)"$`, func(path string) error {
		return tc.Delete(path)
	})

	ctx.Step(`^the response status should be (\d+)$`, func(expected int) error {
		if tc.LastStatusCode != expected {
			return fmt.Errorf("expected status %d, got %d: %s", expected, tc.LastStatusCode, tc.LastBody)
		}
		return nil
	})

	ctx.Step(`^the response field "([^"]*)" should be "([^"]*)"$`, func(field, expected string) error {
		actual, err := tc.JSONFieldString(field)
		if err != nil {
			return err
		}
		expected = tc.ReplacePlaceholders(expected)
		if actual != expected {
			return fmt.Errorf("field %q: expected %q, got %q", field, expected, actual)
		}
		return nil
	})

	ctx.Step(`^the response field "([^"]*)" should be (\d+)$`, func(field string, expected int64) error {
		actual, err := tc.JSONFieldInt(field)
		if err != nil {
			return err
		}
		if actual != expected {
			return fmt.Errorf("field %q: expected %d, got %d", field, expected, actual)
		}
		return nil
	})

	ctx.Step(`^the response should have error code (\d+)$`, func(expected int64) error {
		actual, err := tc.JSONFieldInt("error_code")
		if err != nil {
			return err
		}
		if actual != expected {
			return fmt.Errorf("expected error code %d, got %d: %s", expected, actual, tc.LastBody)
		}
		return nil
	})

	ctx.Step(`^the response body should contain "([^"]*)"$`, func(needle string) error {
		needle = tc.ReplacePlaceholders(needle)
		if !strings.Contains(string(tc.LastBody), needle) {
			return fmt.Errorf("body does not contain %q: %s", needle, tc.LastBody)
		}
		return nil
	})

	ctx.Step(`^the response body should contain:$`, func(doc *godog.DocString) error {
		needle := tc.ReplacePlaceholders(strings.TrimSpace(doc.Content))
		if !strings.Contains(string(tc.LastBody), needle) {
			return fmt.Errorf("body does not contain %q: %s", needle, tc.LastBody)
		}
		return nil
	})

	ctx.Step(`^I store the response field "([^"]*)" as "([^"]*)"$`, func(field, key string) error {
		value, err := tc.JSONField(field)
		if err != nil {
			return err
		}
		tc.StoredValues[key] = value
		return nil
	})

	ctx.Step(`^the response should be valid JSON$`, func() error {
		if !json.Valid(tc.LastBody) {
			return fmt.Errorf("response is not valid JSON: %s", tc.LastBody)
		}
		return nil
	})
}

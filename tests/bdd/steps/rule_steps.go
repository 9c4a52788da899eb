package steps

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cucumber/godog"
)

type queriedRule struct {
	Value         json.RawMessage `json:"value"`
	FeatureValues [][2]string     `json:"feature_values"`
	RuleID        int64           `json:"rule_id"`
}

type queriedSetting struct {
	Rules        []queriedRule   `json:"rules"`
	DefaultValue json.RawMessage `json:"default_value"`
}

func decodeQueriedSetting(tc *TestContext, name string) (queriedSetting, error) {
	var parsed struct {
		Settings map[string]queriedSetting `json:"settings"`
	}
	if err := json.Unmarshal(tc.LastBody, &parsed); err != nil {
		return queriedSetting{}, fmt.Errorf("decoding query response: %w", err)
	}
	setting, ok := parsed.Settings[name]
	if !ok {
		return queriedSetting{}, fmt.Errorf("setting %q not in query response: %s", name, tc.LastBody)
	}
	return setting, nil
}

// RegisterRuleSteps wires steps for rule creation and querying.
func RegisterRuleSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	ctx.Step(`^a rule gives "([^"]*)" the value (.+) when:$`, func(setting, value string, doc *godog.DocString) error {
		var conditions map[string]string
		if err := json.Unmarshal([]byte(doc.Content), &conditions); err != nil {
			return fmt.Errorf("decoding rule conditions: %w", err)
		}
		body := map[string]interface{}{
			"setting":        setting,
			"feature_values": conditions,
			"value":          json.RawMessage(value),
		}
		if err := tc.DoJSON(http.MethodPost, "/api/v1/rules", body); err != nil {
			return err
		}
		if tc.LastStatusCode != http.StatusCreated {
			return fmt.Errorf("adding rule for %q: status %d, body %s", setting, tc.LastStatusCode, tc.LastBody)
		}
		return nil
	})

	ctx.Step(`^I query settings "([^"]*)" with filters "([^"]*)"$`, func(settings, filters string) error {
		q := url.Values{}
		q.Set("settings", settings)
		q.Set("context_filters", filters)
		return tc.Get("/api/v1/query?" + q.Encode())
	})

	ctx.Step(`^the query should return (\d+) rules for setting "([^"]*)"$`, func(count int, name string) error {
		setting, err := decodeQueriedSetting(tc, name)
		if err != nil {
			return err
		}
		if len(setting.Rules) != count {
			return fmt.Errorf("expected %d rules for %q, got %d: %s", count, name, len(setting.Rules), tc.LastBody)
		}
		return nil
	})

	ctx.Step(`^the query default for setting "([^"]*)" should be (.+)$`, func(name, expected string) error {
		setting, err := decodeQueriedSetting(tc, name)
		if err != nil {
			return err
		}
		if string(setting.DefaultValue) != expected {
			return fmt.Errorf("expected default %s for %q, got %s", expected, name, setting.DefaultValue)
		}
		return nil
	})

	ctx.Step(`^the query should include rule "([^"]*)"$`, func(key string) error {
		return queryHasRule(tc, key, true)
	})

	ctx.Step(`^the query should omit rule "([^"]*)"$`, func(key string) error {
		return queryHasRule(tc, key, false)
	})
}

func queryHasRule(tc *TestContext, key string, want bool) error {
	stored, ok := tc.StoredValues[key]
	if !ok {
		return fmt.Errorf("no stored value named %q", key)
	}
	id, ok := stored.(float64)
	if !ok {
		return fmt.Errorf("stored value %q is not a rule id: %v", key, stored)
	}

	var parsed struct {
		Settings map[string]queriedSetting `json:"settings"`
	}
	if err := json.Unmarshal(tc.LastBody, &parsed); err != nil {
		return fmt.Errorf("decoding query response: %w", err)
	}
	found := false
	for _, setting := range parsed.Settings {
		for _, rule := range setting.Rules {
			if rule.RuleID == int64(id) {
				found = true
			}
		}
	}
	if found != want {
		if want {
			return fmt.Errorf("rule %d not in query response: %s", int64(id), tc.LastBody)
		}
		return fmt.Errorf("rule %d unexpectedly in query response: %s", int64(id), tc.LastBody)
	}
	return nil
}

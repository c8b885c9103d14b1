package storage

import (
	"fmt"
	"time"

	"github.com/drover-dev/drover/internal/types"
)

// ApplyUpdates applies a partial-field update map to an issue in place.
// Unknown keys are rejected, state changes go through the transition table,
// and the children list may only grow. The issue ID is immutable.
// Both backends funnel UpdateIssue through this so the contract is uniform.
func ApplyUpdates(issue *types.Issue, updates map[string]interface{}) error {
	for key, raw := range updates {
		switch key {
		case "title":
			v, err := asString(key, raw)
			if err != nil {
				return err
			}
			issue.Title = v
		case "state":
			next, err := ValidateStateUpdate(issue.State, raw)
			if err != nil {
				return err
			}
			issue.State = next
		case "body":
			v, err := asString(key, raw)
			if err != nil {
				return err
			}
			issue.Body = v
		case "parent":
			v, err := asString(key, raw)
			if err != nil {
				return err
			}
			issue.Parent = v
		case "children":
			v, ok := raw.([]string)
			if !ok {
				return fmt.Errorf("children update must be []string (got %T)", raw)
			}
			for _, existing := range issue.Children {
				if !containsString(v, existing) {
					return fmt.Errorf("children may only grow: %s would be removed", existing)
				}
			}
			issue.Children = v
		case "split_count":
			n, err := asInt(key, raw)
			if err != nil {
				return err
			}
			issue.SplitCount = n
		case "verify_count":
			n, err := asInt(key, raw)
			if err != nil {
				return err
			}
			issue.VerifyCount = n
		case "verify_exhausted":
			b, err := asBool(key, raw)
			if err != nil {
				return err
			}
			issue.VerifyExhausted = b
		case "needs_interview":
			switch v := raw.(type) {
			case bool:
				issue.NeedsInterview = &v
			case *bool:
				issue.NeedsInterview = v
			default:
				return fmt.Errorf("needs_interview update must be a bool (got %T)", raw)
			}
		case "is_verify_fix":
			b, err := asBool(key, raw)
			if err != nil {
				return err
			}
			issue.IsVerifyFix = b
		case "input_tokens":
			n, err := asInt64(key, raw)
			if err != nil {
				return err
			}
			issue.InputTokens = n
		case "output_tokens":
			n, err := asInt64(key, raw)
			if err != nil {
				return err
			}
			issue.OutputTokens = n
		case "total_duration":
			d, ok := raw.(time.Duration)
			if !ok {
				return fmt.Errorf("total_duration update must be a time.Duration (got %T)", raw)
			}
			issue.TotalDuration = d
		case "iterations":
			n, err := asInt(key, raw)
			if err != nil {
				return err
			}
			issue.Iterations = n
		case "run_count":
			n, err := asInt(key, raw)
			if err != nil {
				return err
			}
			issue.RunCount = n
		default:
			return fmt.Errorf("unknown update field: %s", key)
		}
	}

	if err := issue.Validate(); err != nil {
		return err
	}
	issue.UpdatedAt = time.Now()
	return nil
}

func asString(key string, raw interface{}) (string, error) {
	v, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s update must be a string (got %T)", key, raw)
	}
	return v, nil
}

func asBool(key string, raw interface{}) (bool, error) {
	v, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%s update must be a bool (got %T)", key, raw)
	}
	return v, nil
}

func asInt(key string, raw interface{}) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("%s update must be an int (got %T)", key, raw)
	}
}

func asInt64(key string, raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return 0, fmt.Errorf("%s update must be an int (got %T)", key, raw)
	}
}

func containsString(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

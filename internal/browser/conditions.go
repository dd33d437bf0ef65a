package browser

import (
	"context"
	"strings"

	json "github.com/json-iterator/go"
)

// Condition is a predicate evaluated against the live session while waiting.
type Condition func(ctx context.Context, s *Session) (bool, error)

// ElementPresent holds once selector matches an element in the current document.
func ElementPresent(selector string) Condition {
	expr := "document.querySelector(" + jsString(selector) + ") !== null"
	return evalBool(expr)
}

// TitleContains holds once the document title contains substr.
func TitleContains(substr string) Condition {
	return func(ctx context.Context, s *Session) (bool, error) {
		var title string
		if err := s.Evaluate(ctx, "document.title", &title); err != nil {
			return false, err
		}
		return strings.Contains(title, substr), nil
	}
}

// URLContains holds once the current URL contains substr.
func URLContains(substr string) Condition {
	return func(ctx context.Context, s *Session) (bool, error) {
		u, err := s.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(u, substr), nil
	}
}

// ScriptTrue holds once expression evaluates to a truthy value.
func ScriptTrue(expression string) Condition {
	return evalBool("Boolean(" + expression + ")")
}

// DocumentReady holds once the document finished loading subresources.
func DocumentReady() Condition {
	return func(ctx context.Context, s *Session) (bool, error) {
		var state string
		if err := s.Evaluate(ctx, "document.readyState", &state); err != nil {
			return false, err
		}
		return state == "complete", nil
	}
}

func evalBool(expr string) Condition {
	return func(ctx context.Context, s *Session) (bool, error) {
		var ok bool
		if err := s.Evaluate(ctx, expr, &ok); err != nil {
			return false, err
		}
		return ok, nil
	}
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

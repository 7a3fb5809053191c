package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func descriptorEnv(sourceType, flowType string) map[string]interface{} {
	return map[string]interface{}{
		"source":          map[string]interface{}{"type": sourceType, "properties": map[string]string{"baseUrl": "http://src"}},
		"destination":     map[string]interface{}{"type": "HttpData"},
		"flowType":        flowType,
		"destinationType": "HttpData",
		"properties":      map[string]string{"tier": "gold"},
	}
}

// TestExprEvaluator tests the ExprEvaluator implementation.
func TestExprEvaluator(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]interface{}
		wantResult bool
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "Matching source type",
			expression: `source.type == "HttpData" && flowType == "PUSH"`,
			env:        descriptorEnv("HttpData", "PUSH"),
			wantResult: true,
		},
		{
			name:       "Other flow type",
			expression: `source.type == "HttpData" && flowType == "PUSH"`,
			env:        descriptorEnv("HttpData", "PULL"),
			wantResult: false,
		},
		{
			name:       "Property lookup",
			expression: `properties["tier"] in ["gold", "silver"]`,
			env:        descriptorEnv("AmazonS3", "PUSH"),
			wantResult: true,
		},
		{
			name:       "Non-boolean result",
			expression: "destinationType + 5",
			env:        map[string]interface{}{"destinationType": 25},
			wantErr:    true,
			errMsg:     "expression 'destinationType + 5' did not evaluate to a boolean, got int",
		},
		{
			name:       "Invalid expression",
			expression: "flowType >>> 18",
			env:        descriptorEnv("HttpData", "PUSH"),
			wantErr:    true,
			errMsg:     "unexpected token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.env)
			if tt.wantErr {
				assert.Error(t, err, "Evaluate() should return an error")
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				assert.False(t, result)
			} else {
				assert.NoError(t, err, "Evaluate() should not return an error")
				assert.Equal(t, tt.wantResult, result)
			}
		})
	}

	t.Run("Caching works", func(t *testing.T) {
		expr := `destinationType == "HttpData"`
		env := descriptorEnv("HttpData", "PUSH")

		result1, err1 := evaluator.Evaluate(expr, env)
		assert.NoError(t, err1)
		assert.True(t, result1)

		evaluator.mu.RLock()
		_, cached := evaluator.cache[expr]
		evaluator.mu.RUnlock()
		assert.True(t, cached)

		result2, err2 := evaluator.Evaluate(expr, env)
		assert.NoError(t, err2)
		assert.True(t, result2)
	})

	t.Run("Concurrent evaluation", func(t *testing.T) {
		var wg sync.WaitGroup
		numGoroutines := 100
		expr := `flowType == "PUSH"`
		env := descriptorEnv("HttpData", "PUSH")

		wg.Add(numGoroutines)
		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()
				result, err := evaluator.Evaluate(expr, env)
				assert.NoError(t, err)
				assert.True(t, result)
			}()
		}
		wg.Wait()
	})
}

func TestExprEvaluator_OptionFunc(t *testing.T) {
	evaluator := NewExprEvaluator()
	evaluator.AddOptionFunc("isHTTP", func(env map[string]interface{}) interface{} {
		src, _ := env["source"].(map[string]interface{})
		return src["type"] == "HttpData"
	})

	env := descriptorEnv("HttpData", "PUSH")
	result, err := evaluator.Evaluate("isHTTP", env)
	assert.NoError(t, err)
	assert.True(t, result)

	// derived values never leak into the caller's env
	_, leaked := env["isHTTP"]
	assert.False(t, leaked)
}

func TestExprEvaluator_Check(t *testing.T) {
	evaluator := NewExprEvaluator()
	assert.NoError(t, evaluator.Check(`source.type == "HttpData"`))
	assert.Error(t, evaluator.Check(`source.type ==`))
}

// BenchmarkEvaluate benchmarks the performance of Evaluate with caching.
func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	expression := `source.type == "HttpData"`
	env := descriptorEnv("HttpData", "PUSH")

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate(expression, env)
	}
}

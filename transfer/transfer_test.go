package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/dataplane-engine/rules"
	"github.com/songzhibin97/dataplane-engine/types"
)

func message(sourceType string, flowType types.FlowType) types.StartMessage {
	return types.StartMessage{
		ProcessID:    "flow-1",
		Source:       &types.DataAddress{Type: sourceType},
		Destination:  &types.DataAddress{Type: "HttpData"},
		TransferType: types.TransferType{DestinationType: "HttpData", FlowType: flowType},
		Properties:   map[string]string{"tier": "gold"},
	}
}

func sourceIs(sourceType string) EngineFunc {
	return EngineFunc{CanHandleFunc: func(msg types.StartMessage) bool {
		return msg.Source != nil && msg.Source.Type == sourceType
	}}
}

func TestStreamResult(t *testing.T) {
	assert.True(t, Success().Succeeded())
	assert.False(t, NotFound().Succeeded())
	assert.False(t, NotFound().Failed())

	res := Errorf("disk %s", "full")
	assert.True(t, res.Failed())
	assert.Equal(t, "disk full", res.Detail)
	assert.Equal(t, "GENERAL_ERROR: disk full", res.FailureDetail())
}

func TestOrderedRegistry(t *testing.T) {
	first := sourceIs("HttpData")
	second := EngineFunc{}

	t.Run("FirstMatchWins", func(t *testing.T) {
		r := NewOrderedRegistry(first, nil, second)
		assert.Equal(t, 2, r.Len())

		resolved := r.Resolve(message("HttpData", types.FlowTypePush))
		require.NotNil(t, resolved)
		assert.NotNil(t, resolved.(EngineFunc).CanHandleFunc)

		fallback := r.Resolve(message("AmazonS3", types.FlowTypePush))
		require.NotNil(t, fallback)
		assert.Nil(t, fallback.(EngineFunc).CanHandleFunc)
	})

	t.Run("NoMatch", func(t *testing.T) {
		r := NewOrderedRegistry()
		require.NoError(t, r.Register(first))
		assert.Nil(t, r.Resolve(message("AmazonS3", types.FlowTypePush)))
		assert.ErrorIs(t, r.Register(nil), ErrNilEngine)
	})
}

func TestRuleEngine(t *testing.T) {
	evaluator := rules.NewExprEvaluator()

	t.Run("RuleGatesEngine", func(t *testing.T) {
		e, err := NewRuleEngine(`source.type == "HttpData" && flowType == "PUSH"`, evaluator, EngineFunc{})
		require.NoError(t, err)

		assert.True(t, e.CanHandle(message("HttpData", types.FlowTypePush)))
		assert.False(t, e.CanHandle(message("HttpData", types.FlowTypePull)))
		assert.False(t, e.CanHandle(message("AmazonS3", types.FlowTypePush)))
	})

	t.Run("InnerEngineStillAsked", func(t *testing.T) {
		inner := EngineFunc{CanHandleFunc: func(types.StartMessage) bool { return false }}
		e, err := NewRuleEngine(`flowType == "PUSH"`, evaluator, inner)
		require.NoError(t, err)
		assert.False(t, e.CanHandle(message("HttpData", types.FlowTypePush)))
	})

	t.Run("MissingSource", func(t *testing.T) {
		e, err := NewRuleEngine(`source.type == ""`, evaluator, EngineFunc{})
		require.NoError(t, err)
		msg := message("HttpData", types.FlowTypePull)
		msg.Source = nil
		assert.True(t, e.CanHandle(msg))
	})

	t.Run("PropertiesVisible", func(t *testing.T) {
		e, err := NewRuleEngine(`properties["tier"] == "gold"`, nil, EngineFunc{})
		require.NoError(t, err)
		assert.True(t, e.CanHandle(message("HttpData", types.FlowTypePush)))
		assert.Equal(t, `properties["tier"] == "gold"`, e.Rule())
	})

	t.Run("InvalidRule", func(t *testing.T) {
		_, err := NewRuleEngine(`source.type ==`, evaluator, EngineFunc{})
		assert.Error(t, err)
		_, err = NewRuleEngine(`true`, evaluator, nil)
		assert.ErrorIs(t, err, ErrNilEngine)
	})

	t.Run("UsableInRegistry", func(t *testing.T) {
		http, err := NewRuleEngine(`source.type == "HttpData"`, evaluator, EngineFunc{})
		require.NoError(t, err)
		r := NewOrderedRegistry(http)
		assert.Same(t, http, r.Resolve(message("HttpData", types.FlowTypePush)))
		assert.Nil(t, r.Resolve(message("AmazonS3", types.FlowTypePush)))
	})
}

func TestEngineFunc(t *testing.T) {
	ctx := context.Background()
	msg := message("HttpData", types.FlowTypePush)

	t.Run("Result", func(t *testing.T) {
		e := EngineFunc{TransferFunc: func(ctx context.Context, msg types.StartMessage) StreamResult {
			return Error("an error")
		}}
		resultCh, errCh := e.Transfer(ctx, msg)
		select {
		case res := <-resultCh:
			assert.Equal(t, "GENERAL_ERROR: an error", res.FailureDetail())
		case err := <-errCh:
			t.Fatalf("unexpected fault: %v", err)
		case <-time.After(time.Second):
			t.Fatal("transfer did not resolve")
		}
	})

	t.Run("PanicIsFault", func(t *testing.T) {
		e := EngineFunc{TransferFunc: func(ctx context.Context, msg types.StartMessage) StreamResult {
			panic("socket closed")
		}}
		resultCh, errCh := e.Transfer(ctx, msg)
		select {
		case res := <-resultCh:
			t.Fatalf("unexpected result: %+v", res)
		case err := <-errCh:
			assert.Contains(t, err.Error(), "socket closed")
		case <-time.After(time.Second):
			t.Fatal("transfer did not resolve")
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		e := EngineFunc{}
		assert.True(t, e.CanHandle(msg))
		assert.Equal(t, StatusNotFound, e.Terminate(ctx, &types.DataFlow{ID: "flow-1"}).Status)
		resultCh, _ := e.Transfer(ctx, msg)
		assert.True(t, (<-resultCh).Succeeded())
	})
}

package batch

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/temporal"

	"github.com/ahrav/go-imgjudge/internal/domain"
	"github.com/ahrav/go-imgjudge/internal/llm/llmtest"
	"github.com/ahrav/go-imgjudge/internal/store/memstore"
	"github.com/ahrav/go-imgjudge/pkg/activity"
	"github.com/ahrav/go-imgjudge/pkg/events"
)

func newTestActivities(st *memstore.Store) *Activities {
	o := NewOrchestrator(Config{}, st, (&llmtest.Fake{}).Capabilities())
	return NewActivities(activity.NewBaseActivities(events.NewNoOpEventSink()), o)
}

func TestRunBatchActivity(t *testing.T) {
	a := newTestActivities(memstore.New())

	req := domain.NewEvaluationRequest("activity", "A red cat")
	req.NumIterations = 2
	resp, err := a.RunBatch(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestRunBatchActivityResultOmitsArtifacts(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 512, 512))
	rng := rand.New(rand.NewPCG(1, 2))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.UintN(256))
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	large := buf.Bytes()

	fake := &llmtest.Fake{
		GenerateFunc: func(context.Context, string) ([]byte, error) { return large, nil },
	}
	st := memstore.New()
	o := NewOrchestrator(Config{}, st, fake.Capabilities())
	a := NewActivities(activity.NewBaseActivities(events.NewNoOpEventSink()), o)

	resp, err := a.RunBatch(context.Background(), domain.NewEvaluationRequest("default batch"))
	require.NoError(t, err)
	require.Len(t, resp.Results, len(domain.DefaultPrompts())*domain.DefaultNumIterations)
	for _, r := range resp.Results {
		assert.Empty(t, r.ArtifactData)
	}

	payload, err := converter.GetDefaultDataConverter().ToPayload(resp)
	require.NoError(t, err)
	assert.Less(t, len(payload.GetData()), 2<<20)

	stored, err := o.GetBatch(context.Background(), resp.BatchID)
	require.NoError(t, err)
	for _, r := range stored.Results {
		assert.NotEmpty(t, r.ArtifactData)
	}
}

func TestRunBatchActivityErrors(t *testing.T) {
	tests := []struct {
		name             string
		setup            func(*memstore.Store)
		req              domain.EvaluationRequest
		wantType         string
		wantNonRetryable bool
		wantIs           error
	}{
		{
			name:             "invalid request",
			req:              domain.EvaluationRequest{NumIterations: 0},
			wantType:         "Validation",
			wantNonRetryable: true,
			wantIs:           domain.ErrValidation,
		},
		{
			name:     "storage failure",
			setup:    func(st *memstore.Store) { st.FailOn(memstore.OpPersist, errors.New("disk full")) },
			req:      domain.EvaluationRequest{NumIterations: 1, CustomPrompts: []string{"A red cat"}},
			wantType: "BatchFailed",
			wantIs:   domain.ErrBatchFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memstore.New()
			if tt.setup != nil {
				tt.setup(st)
			}
			a := newTestActivities(st)

			_, err := a.RunBatch(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantIs)

			var appErr *temporal.ApplicationError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.wantType, appErr.Type())
			assert.Equal(t, tt.wantNonRetryable, appErr.NonRetryable())
		})
	}
}

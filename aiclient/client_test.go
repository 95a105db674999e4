package aiclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/envdraft/llm"
	"github.com/c360studio/envdraft/llm/testutil"
	"github.com/c360studio/envdraft/model"
	"github.com/c360studio/envdraft/prompt"
	"github.com/c360studio/envdraft/quota"
	"github.com/c360studio/envdraft/template"
)

func testPrompt() *prompt.Prompt {
	return &prompt.Prompt{
		Section:        template.Key{Chapter: "1", Section: "1.1"},
		Strategy:       template.StrategyAIWritten,
		Title:          "企业概况",
		EnterpriseName: "ACME",
		System:         prompt.SystemRole,
		User:           "## 任务：企业概况\n\ndescribe overview",
	}
}

func TestGenerate_Success(t *testing.T) {
	mock := &testutil.MockLLMClient{Responses: []*llm.Response{{Content: "  本企业位于苏州。\n", Model: "m", RequestID: "r1"}}}
	tr := quota.New(quota.Limits{PerUser: 5}, time.UTC)
	c := New(mock, tr)

	res, err := c.Generate(context.Background(), testPrompt(), model.DefaultConfig(), "alice")
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, "本企业位于苏州。", res.Text)
	assert.Equal(t, "r1", res.RequestID)
	assert.Equal(t, 1, tr.Usage("alice").Count)

	req := mock.Requests()[0]
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, model.DefaultConfig(), req.Params)
}

func TestGenerate_InvalidConfig(t *testing.T) {
	mock := &testutil.MockLLMClient{}
	c := New(mock, nil)

	cfg := model.DefaultConfig()
	cfg.Temperature = 3
	res, err := c.Generate(context.Background(), testPrompt(), cfg, "alice")
	assert.Nil(t, res)
	var ve *model.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, 0, mock.GetCallCount())
}

func TestGenerate_QuotaDenied(t *testing.T) {
	mock := &testutil.MockLLMClient{Responses: []*llm.Response{{Content: "ok"}}}
	tr := quota.New(quota.Limits{PerUser: 1}, time.UTC)
	c := New(mock, tr)

	_, err := c.Generate(context.Background(), testPrompt(), model.DefaultConfig(), "alice")
	require.NoError(t, err)

	res, err := c.Generate(context.Background(), testPrompt(), model.DefaultConfig(), "alice")
	assert.ErrorIs(t, err, ErrQuotaDenied)
	assert.ErrorIs(t, err, quota.ErrUserLimit)
	require.NotNil(t, res)
	assert.True(t, res.Degraded)
	assert.Equal(t, ReasonQuotaDenied, res.Reason)
	assert.Contains(t, res.Text, "企业概况")
	assert.Contains(t, res.Text, "ACME")

	assert.Equal(t, 1, mock.GetCallCount())
	assert.Equal(t, 1, tr.Usage("alice").Count)
}

func TestGenerate_TransientFailureDegrades(t *testing.T) {
	mock := &testutil.MockLLMClient{Err: llm.NewTransientError(errors.New("connection refused"))}
	tr := quota.New(quota.Limits{PerUser: 5}, time.UTC)
	c := New(mock, tr)

	res, err := c.Generate(context.Background(), testPrompt(), model.DefaultConfig(), "alice")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, ReasonProviderUnavailable, res.Reason)
	assert.Contains(t, res.Text, "【待补充】")
	assert.Equal(t, 0, tr.Usage("alice").Count)
	assert.Equal(t, 0, tr.Usage("alice").InFlight)
}

func TestGenerate_PermanentFailure(t *testing.T) {
	mock := &testutil.MockLLMClient{Err: llm.NewFatalError(errors.New("unauthorized"))}
	tr := quota.New(quota.Limits{PerUser: 5}, time.UTC)
	c := New(mock, tr)

	res, err := c.Generate(context.Background(), testPrompt(), model.DefaultConfig(), "alice")
	var pe *ProviderPermanentError
	require.ErrorAs(t, err, &pe)
	assert.True(t, res.Degraded)
	assert.Equal(t, ReasonProviderPermanent, res.Reason)
	assert.Equal(t, 0, tr.Usage("alice").Count)
}

func TestGenerate_EmptyResponseNotCharged(t *testing.T) {
	mock := &testutil.MockLLMClient{Responses: []*llm.Response{{Content: "   "}}}
	tr := quota.New(quota.Limits{PerUser: 5}, time.UTC)
	c := New(mock, tr)

	res, err := c.Generate(context.Background(), testPrompt(), model.DefaultConfig(), "")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, ReasonEmptyResponse, res.Reason)
	assert.Equal(t, 0, tr.Usage("").Count)
}

func TestGenerate_CallerTimeoutDegrades(t *testing.T) {
	mock := &testutil.MockLLMClient{Delay: time.Second, Responses: []*llm.Response{{Content: "late"}}}
	c := New(mock, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := c.Generate(ctx, testPrompt(), model.DefaultConfig(), "alice")
	require.NoError(t, err)
	assert.True(t, res.Degraded)
}

func TestStub_CustomTemplate(t *testing.T) {
	tmpl, err := ParseMarkerTemplate("[DRAFT] {{.Section}} {{.Title}} / {{.Enterprise}}")
	require.NoError(t, err)
	c := New(&testutil.MockLLMClient{}, nil, WithMarkerTemplate(tmpl))

	assert.Equal(t, "[DRAFT] 1/1.1 企业概况 / ACME", c.Stub(testPrompt(), ReasonProviderUnavailable))

	p := testPrompt()
	p.EnterpriseName = ""
	assert.NotContains(t, New(&testutil.MockLLMClient{}, nil).Stub(p, ReasonQuotaDenied), "适用单位")
}

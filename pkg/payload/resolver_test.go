package payload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/genflow/pkg/models"
)

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(Template{
		Ref:                 "template:welcome",
		SystemPrompt:        "be brief",
		UserPrompt:          "write a welcome note",
		CompatibleProviders: []string{"claude"},
		MaxTokens:           2000,
	})

	p, err := r.Resolve(context.Background(), "template:welcome")
	require.NoError(t, err)
	assert.Equal(t, "write a welcome note", p.UserPrompt)
	assert.Equal(t, []string{"claude"}, p.CompatibleProviders)
	assert.Equal(t, models.OutputText, p.Output)

	req := Request("job-1", p)
	assert.Equal(t, "job-1", req.JobID)
	assert.Equal(t, 2000, req.MaxTokens)

	p, err = r.Resolve(context.Background(), "inline: hello there")
	require.NoError(t, err)
	assert.Equal(t, "hello there", p.UserPrompt)

	_, err = r.Resolve(context.Background(), "template:missing")
	require.Error(t, err)
	assert.Equal(t, models.FailureMalformedTemplate, models.ClassifyError(err))

	_, err = r.Resolve(context.Background(), "inline:")
	assert.Error(t, err)
}

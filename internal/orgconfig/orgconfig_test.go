package orgconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liase/internal/admission"
	"liase/internal/cache"
	"liase/internal/config"
	"liase/internal/jobs"
	logx "liase/pkg/logx"
)

func TestPriorityFor(t *testing.T) {
	t.Parallel()

	s := New(cache.New[Settings](), time.Minute, logx.Nop())
	s.Apply(map[string]config.OrganizationConfig{
		"acme": {Timezone: "Europe/Berlin", Priority: "high", Kinds: map[string]string{"archive": "low"}},
	}, "UTC", 0)

	assert.Equal(t, admission.High, s.PriorityFor(jobs.Record{OrgID: "acme", Kind: "literature.search"}))
	assert.Equal(t, admission.Low, s.PriorityFor(jobs.Record{OrgID: "acme", Kind: "archive"}))
	assert.Equal(t, admission.Normal, s.PriorityFor(jobs.Record{OrgID: "other", Kind: "archive"}))

	assert.Equal(t, "Europe/Berlin", s.TimezoneFor("acme"))
	assert.Equal(t, "UTC", s.TimezoneFor(""))
}

func TestApplyInvalidatesCachedSettings(t *testing.T) {
	t.Parallel()

	c := cache.New[Settings]()
	s := New(c, time.Hour, logx.Nop())
	s.Apply(map[string]config.OrganizationConfig{"acme": {Priority: "low"}}, "", 0)

	require.Equal(t, admission.Low, s.PriorityFor(jobs.Record{OrgID: "acme"}))
	require.Equal(t, 1, c.Len())

	s.Apply(map[string]config.OrganizationConfig{"acme": {Priority: "high"}}, "", 0)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, admission.High, s.PriorityFor(jobs.Record{OrgID: "acme"}))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate(map[string]config.OrganizationConfig{"a": {Priority: "normal"}}))
	err := Validate(map[string]config.OrganizationConfig{"a": {Kinds: map[string]string{"x": "urgent"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "organizations.a.kinds.x")
}

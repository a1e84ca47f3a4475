package catalog

import (
	"errors"
	"testing"

	"github.com/dgellow/mcp-gateway/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_NonEnterpriseApprovesEverything(t *testing.T) {
	m := NewManager(WithEnterpriseMode(false))
	m.SetCatalog([]Item{{Name: "slack", ApprovedTools: []string{}}}, true)

	assert.False(t, m.IsStrict())
	assert.True(t, m.IsServerApproved("github"))
	assert.True(t, m.IsToolApproved("slack", "post"))
}

func TestManager_EnterpriseNonStrictApprovesEverything(t *testing.T) {
	m := NewManager(WithEnterpriseMode(true))
	m.SetCatalog(nil, false)

	assert.True(t, m.IsServerApproved("anything"))
	assert.True(t, m.IsToolApproved("anything", "tool"))
}

func TestManager_Strict(t *testing.T) {
	m := NewManager(WithEnterpriseMode(true))
	m.SetCatalog([]Item{
		{Name: "Slack", ApprovedTools: []string{"read-message"}},
		{Name: "github"},
		{Name: "locked", ApprovedTools: []string{}},
	}, true)

	assert.True(t, m.IsStrict())
	assert.True(t, m.IsServerApproved(" slack "))
	assert.False(t, m.IsServerApproved("linear"))

	assert.True(t, m.IsToolApproved("slack", "read-message"))
	assert.False(t, m.IsToolApproved("slack", "Read-Message"), "tool names are case-sensitive")
	assert.False(t, m.IsToolApproved("slack", "send-message"))
	assert.True(t, m.IsToolApproved("github", "anything"), "absent approvedTools is unrestricted")
	assert.True(t, m.IsServerApproved("locked"))
	assert.False(t, m.IsToolApproved("locked", "anything"), "empty approvedTools rejects all")
	assert.False(t, m.IsToolApproved("linear", "anything"))
}

func TestManager_Diff(t *testing.T) {
	m := NewManager(WithEnterpriseMode(true))
	m.SetCatalog([]Item{
		{Name: "slack", ApprovedTools: []string{"a", "b"}},
		{Name: "github"},
		{Name: "jira", ApprovedTools: []string{"x"}},
	}, true)

	diff := m.SetCatalog([]Item{
		{Name: "slack", ApprovedTools: []string{"b", "a"}},
		{Name: "github", ApprovedTools: []string{}},
		{Name: "linear"},
	}, true)

	assert.Equal(t, []string{"linear"}, diff.AddedServers)
	assert.Equal(t, []string{"jira"}, diff.RemovedServers)
	assert.Equal(t, []string{"github"}, diff.ServerApprovedToolsChanged)
}

func TestManager_IdenticalCatalogStillNotifies(t *testing.T) {
	m := NewManager(WithEnterpriseMode(true))
	var diffs []Diff
	unsubscribe := m.Subscribe(func(d Diff) { diffs = append(diffs, d) })

	items := []Item{{Name: "slack", ApprovedTools: []string{"a", "b"}}}
	m.SetCatalog(items, true)
	m.SetCatalog([]Item{{Name: "slack", ApprovedTools: []string{"b", "a"}}}, true)

	require.Len(t, diffs, 2)
	assert.Equal(t, []string{"slack"}, diffs[0].AddedServers)
	assert.True(t, diffs[1].IsEmpty())

	unsubscribe()
	m.SetCatalog(items, true)
	assert.Len(t, diffs, 2)
}

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload([]byte(`{"items": [{"name": "slack", "approvedTools": ["a"]}, {"name": "github"}], "isStrict": true}`))
	require.NoError(t, err)
	assert.True(t, p.IsStrict)
	require.Len(t, p.Items, 2)
	assert.Equal(t, []string{"a"}, p.Items[0].ApprovedTools)
	assert.Nil(t, p.Items[1].ApprovedTools)

	for _, bad := range []string{
		`{`,
		`{"items": []}`,
		`{"isStrict": true}`,
		`{"items": [{"approvedTools": []}], "isStrict": false}`,
		`{"items": [{"name": 3}], "isStrict": false}`,
	} {
		_, err := ParsePayload([]byte(bad))
		assert.True(t, errors.Is(err, errs.ErrValidation), bad)
	}
}

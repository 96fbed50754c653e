package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/db/dbtest"
	"github.com/angelmondragon/leadflow-backend/pkg/db/models"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/leadflow-backend/pkg/errors"
)

func writeYAML(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func baseConfig(yamlPath string) config.PolicyConfig {
	return config.PolicyConfig{
		YAMLPath:        yamlPath,
		Priority:        []string{"db", "yaml", "settings"},
		FormKinds:       []string{"contact", "email_ebook"},
		DefaultRequired: []string{"email"},
		DefaultOptional: []string{"name", "phone"},
		RecheckInterval: 0,
	}
}

func TestResolverMergesByPrecedence(t *testing.T) {
	ctx := context.Background()
	client := dbtest.Open(t)
	yamlPath := filepath.Join(t.TempDir(), "policies.yaml")
	writeYAML(t, yamlPath, `
forms:
  email_ebook:
    required: [email, name]
    ignored_for_signature: [context]
  webinar:
    required: [email, company]
`)
	require.NoError(t, client.DB().Create(&models.FormPolicy{
		FormKind: "email_ebook",
		Required: datatypes.JSON(`["email","name","phone"]`),
	}).Error)

	r, err := NewResolver(ResolverParams{Config: baseConfig(yamlPath), IgnoreFields: []string{"utm_content"}, DB: client.DB()})
	require.NoError(t, err)

	ebook, err := r.Policy(ctx, "email_ebook")
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "name", "phone"}, ebook.Required, "db wins for required")
	assert.Equal(t, []string{"context"}, ebook.IgnoredForSignature, "yaml wins for ignored")
	assert.Equal(t, []string{"name", "phone"}, ebook.Optional, "settings supplies optional")

	contact, err := r.Policy(ctx, "contact")
	require.NoError(t, err)
	assert.Equal(t, []string{"email"}, contact.Required)
	assert.Equal(t, []string{"utm_content"}, contact.IgnoredForSignature)

	webinar, err := r.Policy(ctx, "webinar")
	require.NoError(t, err)
	assert.Equal(t, []string{"company", "email"}, webinar.Required)
	assert.Nil(t, webinar.Optional)
}

func TestResolverUnknownKind(t *testing.T) {
	r, err := NewResolver(ResolverParams{Config: baseConfig("")})
	require.NoError(t, err)

	_, err = r.Policy(context.Background(), "mystery")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodePolicyMissing))
}

func TestResolverRejectsRequiredIgnoredOverlap(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "policies.yaml")
	writeYAML(t, yamlPath, `
forms:
  contact:
    required: [email, message]
    ignored_for_signature: [message]
`)
	r, err := NewResolver(ResolverParams{Config: baseConfig(yamlPath)})
	require.NoError(t, err)

	_, err = r.Policy(context.Background(), "contact")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodePolicyInvalid))
}

func TestResolverRejectsStructuralIgnore(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "policies.yaml")
	writeYAML(t, yamlPath, "forms:\n  contact:\n    ignored_for_signature: [form_kind]\n")
	r, err := NewResolver(ResolverParams{Config: baseConfig(yamlPath)})
	require.NoError(t, err)

	_, err = r.Policy(context.Background(), "contact")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodePolicyInvalid))
}

func TestResolverReloadsWhenYAMLChanges(t *testing.T) {
	ctx := context.Background()
	yamlPath := filepath.Join(t.TempDir(), "policies.yaml")
	writeYAML(t, yamlPath, "forms:\n  contact:\n    required: [email]\n")

	r, err := NewResolver(ResolverParams{Config: baseConfig(yamlPath)})
	require.NoError(t, err)

	snap, err := r.Policy(ctx, "contact")
	require.NoError(t, err)
	assert.Equal(t, []string{"email"}, snap.Required)

	writeYAML(t, yamlPath, "forms:\n  contact:\n    required: [email, message, company]\n")
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(yamlPath, future, future))

	snap, err = r.Policy(ctx, "contact")
	require.NoError(t, err)
	assert.Equal(t, []string{"company", "email", "message"}, snap.Required)
}

func TestResolverThrottlesRechecks(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{defs: map[string]definition{"contact": {Required: []string{"email"}}}}
	r := NewResolverWithSources([]Source{src}, time.Minute, nil)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := r.Policy(ctx, "contact")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.versionCalls)
	assert.Equal(t, 1, src.loadCalls)

	now = now.Add(2 * time.Minute)
	_, err := r.Policy(ctx, "contact")
	require.NoError(t, err)
	assert.Equal(t, 2, src.versionCalls)
	assert.Equal(t, 1, src.loadCalls, "unchanged version must not reload")

	src.version = "v2"
	r.Invalidate()
	_, err = r.Policy(ctx, "contact")
	require.NoError(t, err)
	assert.Equal(t, 2, src.loadCalls)
}

func TestNewResolverRejectsUnknownPriority(t *testing.T) {
	cfg := baseConfig("")
	cfg.Priority = []string{"db", "ldap"}
	_, err := NewResolver(ResolverParams{Config: cfg})
	assert.Error(t, err)
}

func TestSnapshotMissingRequired(t *testing.T) {
	snap := Snapshot{Required: []string{"email", "name", "phone"}}
	missing := snap.MissingRequired(map[string]any{"email": "a@b.com", "name": "  ", "phone": nil})
	assert.Equal(t, []string{"name", "phone"}, missing)
}

type countingSource struct {
	defs         map[string]definition
	version      string
	versionCalls int
	loadCalls    int
}

func (c *countingSource) Name() enums.PolicySource { return enums.PolicySourceSettings }

func (c *countingSource) Version(context.Context) (string, error) {
	c.versionCalls++
	return "v1" + c.version, nil
}

func (c *countingSource) Load(context.Context) (map[string]definition, error) {
	c.loadCalls++
	return c.defs, nil
}

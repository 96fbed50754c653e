package email

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leadVars() map[string]any {
	return map[string]any{
		"lead": map[string]any{
			"id":        "7d6f",
			"form_kind": "email_ebook",
			"email":     "a@b.com",
			"name":      "Ada",
		},
		"context": []map[string]any{
			{"key": "utm_source", "value": "google"},
		},
		"trace_id": "trace-1",
	}
}

func TestTemplatesRenderEmbeddedDefaults(t *testing.T) {
	tpls, err := NewTemplates("")
	require.NoError(t, err)

	welcome, err := tpls.Render("welcome", leadVars())
	require.NoError(t, err)
	assert.Equal(t, "Thanks for reaching out, Ada", welcome.Subject)
	assert.Contains(t, welcome.Text, "email ebook request")
	assert.Contains(t, welcome.HTML, "Hi Ada")

	notify, err := tpls.Render("notify-owner", leadVars())
	require.NoError(t, err)
	assert.Equal(t, "New email_ebook lead: a@b.com", notify.Subject)
	assert.Contains(t, notify.Text, "utm_source: google")
	assert.Contains(t, notify.Text, "Phone:   -")
}

func TestTemplatesMissingNameFallsBack(t *testing.T) {
	tpls, err := NewTemplates("")
	require.NoError(t, err)

	vars := leadVars()
	delete(vars["lead"].(map[string]any), "name")
	out, err := tpls.Render("welcome", vars)
	require.NoError(t, err)
	assert.Equal(t, "Thanks for reaching out", out.Subject)
	assert.Contains(t, out.Text, "Hi there")
}

func TestTemplatesOverrideDirShadowsParts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "welcome.subject.liquid"), []byte("Custom {{ lead.email }}"), 0o600))

	tpls, err := NewTemplates(dir)
	require.NoError(t, err)
	out, err := tpls.Render("welcome", leadVars())
	require.NoError(t, err)
	assert.Equal(t, "Custom a@b.com", out.Subject)
	assert.Contains(t, out.Text, "Hi Ada")
}

func TestTemplatesUnknownAndInvalid(t *testing.T) {
	tpls, err := NewTemplates("")
	require.NoError(t, err)

	_, err = tpls.Render("missing", nil)
	assert.True(t, errors.Is(err, ErrTemplateNotFound))
	_, err = tpls.Render("../etc/passwd", nil)
	assert.True(t, errors.Is(err, ErrTemplateNotFound))
	assert.True(t, tpls.Has("campaign"))
	assert.False(t, tpls.Has("missing"))

	_, err = NewTemplates(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

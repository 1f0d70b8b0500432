package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sequencer/internal/expressions"
	"github.com/rendis/sequencer/internal/validation"
	"github.com/rendis/sequencer/pkg/schema"
)

func newValidator(t *testing.T) *validation.SequenceValidator {
	t.Helper()
	engine, err := expressions.NewConditionEngine("")
	require.NoError(t, err)
	v, err := validation.NewSequenceValidator(engine)
	require.NoError(t, err)
	return v
}

func TestLoad_Builtins(t *testing.T) {
	c, err := Load(newValidator(t), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"fitness", "martial_arts"}, c.Industries())

	templates := c.Templates("martial_arts")
	require.NotEmpty(t, templates)
	assert.Equal(t, "New Lead Welcome Sequence", templates[0].Name)
	for _, tmpl := range templates {
		last := tmpl.Steps[len(tmpl.Steps)-1]
		assert.Equal(t, schema.StepEnd, last.Kind, tmpl.Name)
		assert.True(t, tmpl.Trigger.Valid(), tmpl.Name)
	}
}

func TestLookup(t *testing.T) {
	c, err := Load(newValidator(t), "")
	require.NoError(t, err)

	tmpl, err := c.Lookup("martial_arts", "Birthday Greeting")
	require.NoError(t, err)
	assert.Equal(t, schema.TriggerBirthday, tmpl.Trigger)

	// Unknown industries fall back to the default catalog.
	tmpl, err = c.Lookup("", "Belt Promotion Congratulations")
	require.NoError(t, err)
	assert.Equal(t, schema.TriggerBeltPromotion, tmpl.Trigger)

	_, err = c.Lookup("fitness", "Belt Promotion Congratulations")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTemplateNotFound))
}

func TestTemplates_ReturnsCopies(t *testing.T) {
	c, err := Load(newValidator(t), "")
	require.NoError(t, err)

	a := c.Templates("fitness")
	a[0].Steps[0].Body = "mutated"
	b := c.Templates("fitness")
	assert.NotEqual(t, "mutated", b[0].Steps[0].Body)
}

func TestIndustry_Fallback(t *testing.T) {
	c, err := Load(newValidator(t), "")
	require.NoError(t, err)
	assert.Equal(t, "fitness", c.Industry("fitness"))
	assert.Equal(t, DefaultIndustry, c.Industry("underwater_basket_weaving"))
	assert.Equal(t, DefaultIndustry, c.Industry(""))
}

func TestLoad_DirOverridesAndAdds(t *testing.T) {
	dir := t.TempDir()
	yoga := `{"industry":"yoga","templates":[{"name":"Namaste","trigger":"new_lead",
		"steps":[{"kind":"send_sms","body":"Hi {{firstName}}"},{"kind":"end"}]}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "yoga.json"), []byte(yoga), 0o644))
	fitness := "industry: fitness\ntemplates:\n  - name: Only One\n    trigger: manual\n    steps:\n      - kind: end\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fitness.yml"), []byte(fitness), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	c, err := Load(newValidator(t), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"fitness", "martial_arts", "yoga"}, c.Industries())
	require.Len(t, c.Templates("fitness"), 1)
	assert.Equal(t, "Only One", c.Templates("fitness")[0].Name)
}

func TestLoadFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"schema violation", `{"industry":"yoga","templates":[{"name":"x","trigger":"sunrise","steps":[{"kind":"end"}]}]}`},
		{"end not last", `{"industry":"yoga","templates":[{"name":"x","trigger":"manual","steps":[{"kind":"end"},{"kind":"send_sms","body":"hi"}]}]}`},
		{"duplicate name", `{"industry":"yoga","templates":[
			{"name":"x","trigger":"manual","steps":[{"kind":"end"}]},
			{"name":"x","trigger":"manual","steps":[{"kind":"end"}]}]}`},
		{"broken yaml", "industry: [yoga"},
	}
	v := newValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := LoadFile(v, path)
			assert.Error(t, err)
		})
	}
}

func TestLoadDir_Missing(t *testing.T) {
	files, err := LoadDir(newValidator(t), filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

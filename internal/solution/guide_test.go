package solution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGuideHeaders(t *testing.T) {
	content := "# Title\n\n" +
		"## Preset: Edge Computing {#edge}\n\n" +
		"## Step 1: Flash Sensor {#flash type=esp32_usb config=\"devices/sensor fw.yaml\"}\n\n" +
		"```markdown\n## Step 9: Not a step {#ghost type=manual}\n```\n\n" +
		"### Target: Ignored for esp32 {#t1 type=local}\n\n" +
		"## Install Agent {#agent type=ssh_deb required=false}\n\n" +
		"## Step 3: Camera {#cam type=recamera_cpp}\n\n" +
		"### Target: Model A {#model_a}\n\n" +
		"### Target: Model B {#model_b type=remote default=true}\n"

	g, errs := ParseGuide("guide.md", content)
	require.Empty(t, errs)
	require.Len(t, g.Presets, 1)
	p := g.Presets[0]
	assert.Equal(t, "edge", p.ID)
	assert.Equal(t, "Edge Computing", p.Name)
	require.Len(t, p.Steps, 3)

	flash := p.Steps[0]
	assert.Equal(t, "Flash Sensor", flash.Title)
	assert.Equal(t, "devices/sensor fw.yaml", flash.Config)
	assert.True(t, flash.Required)
	assert.Empty(t, flash.Targets)

	agent := p.Steps[1]
	assert.Equal(t, "Install Agent", agent.Title)
	assert.False(t, agent.Required)

	cam := p.Steps[2]
	require.Len(t, cam.Targets, 2)
	assert.Equal(t, TargetLocal, cam.Targets[0].Kind)
	assert.False(t, cam.Targets[0].Default)
	assert.Equal(t, TargetRemote, cam.Targets[1].Kind)
	assert.True(t, cam.Targets[1].Default)
}

func TestParseGuideStructureProblems(t *testing.T) {
	content := "## Step 1: Stray {#stray type=manual}\n" +
		"## Preset: A {#a}\n" +
		"## Step 1: Deploy {#deploy type=docker_deploy}\n" +
		"### Target: X {#x type=cloud}\n" +
		"### Target: Y {#y}\n" +
		"### Target: Y again {#y}\n"

	g, errs := ParseGuide("guide.md", content)
	var codes []string
	for _, e := range errs {
		codes = append(codes, Codes(e)...)
	}
	assert.Equal(t, []string{CodeInvalidTarget, CodeInvalidTarget, CodeStepOutsidePreset}, codes)
	require.Len(t, g.Presets, 1)
	assert.Equal(t, "a", g.Presets[0].ID)
}

func TestCompareGuidesOrder(t *testing.T) {
	en, _ := ParseGuide("guide.md", "## Preset: A {#a}\n## Step 1: One {#one type=manual}\n## Step 2: Two {#two type=manual}\n")
	zh, _ := ParseGuide("guide_zh.md", "## 套餐：甲 {#a}\n## 步骤 1：二 {#two type=manual}\n## 步骤 2：一 {#one type=manual}\n")

	errs := CompareGuides(en, zh)
	require.Len(t, errs, 1)
	sm, ok := errs[0].(*StructureMismatchError)
	require.True(t, ok)
	assert.Equal(t, CodeStepIDMismatch, sm.Kind)
	assert.Equal(t, []string{"one", "two"}, sm.IDs)
	assert.Contains(t, sm.Error(), "position 1")
}

func TestMatchLocale(t *testing.T) {
	assert.Equal(t, LangZH, MatchLocale("zh-CN"))
	assert.Equal(t, LangZH, MatchLocale("zh"))
	assert.Equal(t, LangEN, MatchLocale("en-US"))
	assert.Equal(t, LangEN, MatchLocale("fr"))
	assert.Equal(t, LangEN, MatchLocale(""))
}

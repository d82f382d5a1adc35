package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"provisioner/internal/deploy"
	"provisioner/internal/solution"
	"provisioner/internal/util"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List deployable solutions",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadStation()
			if err != nil {
				return err
			}
			ids := st.catalog.IDs()
			if len(ids) == 0 {
				util.Default.Printf("No solutions in %s\n", st.cfg.SolutionsDir)
			}
			util.Default.Println("Available Solutions:")
			for _, id := range ids {
				sol, _ := st.catalog.Get(id)
				state := ""
				if !sol.Enabled {
					state = " (disabled)"
				}
				util.Default.Printf("- %s (%s) v%s%s\n", sol.DisplayName(st.cfg.Lang), sol.ID, sol.Version, state)
				for _, p := range sol.Presets {
					util.Default.Printf("    %s: %s, %d steps\n", p.ID, p.DisplayName(st.cfg.Lang), len(p.Steps))
				}
			}
			for _, e := range st.loadErrs {
				util.Default.Printf("⚠️  %v\n", e)
			}
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <solution>",
		Short: "Check a solution's guides, manifest and device configs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir := args[0]
			if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
				dir = filepath.Join(cfg.SolutionsDir, args[0])
			}
			sol, err := solution.Load(dir, solution.WithStationVersion(Version))
			if err != nil {
				var le *solution.LoadError
				if !errors.As(err, &le) {
					return err
				}
				util.Default.Printf("❌ %s has %d problem(s):\n", dir, len(le.Errors))
				for _, e := range le.Errors {
					util.Default.Printf("  - %v\n", e)
				}
				if codes := solution.Codes(err); len(codes) > 0 {
					util.Default.Printf("codes: %s\n", strings.Join(codes, ", "))
				}
				return fmt.Errorf("validation failed")
			}
			steps := 0
			for _, p := range sol.Presets {
				steps += len(p.Steps)
			}
			util.Default.Printf("✅ %s is valid: %d preset(s), %d step(s), locales %s\n",
				sol.ID, len(sol.Presets), steps, strings.Join(sol.Locales, ", "))
			return nil
		},
	}
}

func newMenuCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "menu",
		Short: "Choose a solution and preset interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMenu(cmd.Context())
		},
	}
}

// runMenu walks solution, preset and target selection, then deploys.
func runMenu(ctx context.Context) error {
	st, err := loadStation()
	if err != nil {
		return err
	}
	lang := st.cfg.Lang
	var sols []*solution.Solution
	for _, id := range st.catalog.IDs() {
		if sol, _ := st.catalog.Get(id); sol.Enabled {
			sols = append(sols, sol)
		}
	}
	if len(sols) == 0 {
		return fmt.Errorf("no enabled solutions in %s", st.cfg.SolutionsDir)
	}

	labels := make([]string, 0, len(sols))
	for _, s := range sols {
		labels = append(labels, fmt.Sprintf("📦 %s (%s)", s.DisplayName(lang), s.ID))
	}
	i, err := selectItem("Select a solution", labels)
	if err != nil {
		return err
	}
	sol := sols[i]

	var presets []*solution.Preset
	for _, p := range sol.Presets {
		if !p.Disabled {
			presets = append(presets, p)
		}
	}
	if len(presets) == 0 {
		return fmt.Errorf("solution %s has no enabled presets", sol.ID)
	}
	preset := presets[0]
	if len(presets) > 1 {
		labels = labels[:0]
		for _, p := range presets {
			labels = append(labels, fmt.Sprintf("%s: %s", p.ID, p.DisplayName(lang)))
		}
		if i, err = selectItem("Select a preset", labels); err != nil {
			return err
		}
		preset = presets[i]
	}

	targets := map[string]string{}
	for _, step := range preset.Steps {
		if len(step.Targets) < 2 {
			continue
		}
		labels = labels[:0]
		for _, t := range step.Targets {
			label := fmt.Sprintf("%s (%s)", t.DisplayName(lang), t.Kind)
			if t.Default {
				label += " *"
			}
			labels = append(labels, label)
		}
		if i, err = selectItem("Where should '"+step.DisplayTitle(lang)+"' run", labels); err != nil {
			return err
		}
		targets[step.ID] = step.Targets[i].ID
	}

	confirm := promptui.Prompt{Label: fmt.Sprintf("Deploy %s / %s", sol.ID, preset.ID), IsConfirm: true}
	if _, err := confirm.Run(); err != nil {
		util.Default.Println("👋 Nothing deployed")
		return nil
	}
	return runDeployment(ctx, st, deploy.Request{SolutionID: sol.ID, PresetID: preset.ID, TargetChoices: targets}, false, false)
}

func selectItem(label string, items []string) (int, error) {
	prompt := promptui.Select{Label: label, Items: items, Size: 10}
	i, _, err := prompt.Run()
	if err != nil {
		return 0, fmt.Errorf("menu cancelled: %w", err)
	}
	return i, nil
}

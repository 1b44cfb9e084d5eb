package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

func Test_LoadTierCatalog_MissingFileFallsBack(t *testing.T) {
	c, err := LoadTierCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, c.Research.Low)
	require.NoError(t, c.Validate())
}

func Test_LoadTierCatalog_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yaml")
	content := `
planning:
  low: [m-planning-low]
  high: [m-planning-high]
research:
  low: [m-research-low-1, m-research-low-2]
  high: [m-research-high]
synthesis:
  low: [m-synth-low]
  high: [m-synth-high]
vision:
  low: [m-vision-low]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := LoadTierCatalog(path)
	require.NoError(t, err)
	require.Equal(t, []string{"m-research-low-1", "m-research-low-2"}, c.Research.Low)
	require.Equal(t, []string{"m-vision-low"}, c.Vision.Low)
}

func Test_LoadTierCatalog_RejectsEmptyLowTier(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yaml")
	content := `
planning:
  low: []
research:
  low: [m]
synthesis:
  low: [m]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadTierCatalog(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "planning")
}

func Test_TierCatalog_Models_FallbackChain(t *testing.T) {
	c := TierCatalog{
		Research: RoleTiers{Low: []string{"low-1", "low-2"}, High: []string{"high-1"}},
	}

	// High preference exhausts the high tier then degrades into low.
	require.Equal(t, []string{"high-1", "low-1", "low-2"}, c.Models(RoleResearch, domain.CostHigh))
	// Low preference never escalates.
	require.Equal(t, []string{"low-1", "low-2"}, c.Models(RoleResearch, domain.CostLow))
}

func Test_TierCatalog_Models_UnknownRoleUsesResearch(t *testing.T) {
	c := DefaultTierCatalog()
	require.Equal(t, c.Models(RoleResearch, domain.CostLow), c.Models(Role("other"), domain.CostLow))
}

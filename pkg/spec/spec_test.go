package spec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labfoundry/labctl/pkg/errors"
	"github.com/labfoundry/labctl/pkg/registry"
)

const validLab = `
name: web-lab
platform: docker
resources:
  - name: lan
    kind: network
  - name: web
    kind: vm
    spec:
      image: nginx:alpine
    depends_on:
      - lan
  - name: web-ip
    kind: address_reservation
    network: lan
`

func TestParse_ValidLab(t *testing.T) {
	lab, err := Parse([]byte(validLab))
	require.NoError(t, err)

	assert.Equal(t, "web-lab", lab.Name)
	assert.Len(t, lab.Resources, 3)
	assert.Equal(t, registry.KindNetwork, lab.Resources[0].Kind)
	assert.Equal(t, []string{"lan"}, lab.Resources[1].DependsOn)
	assert.Equal(t, "nginx:alpine", lab.Resources[1].Spec["image"])
	assert.Equal(t, "lan", lab.Resources[2].Network)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validLab), 0o644))

	lab, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "web-lab", lab.Name)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("{not yaml"))
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
}

func TestPlatformFor_Override(t *testing.T) {
	lab := &Lab{Platform: "docker"}

	assert.Equal(t, "docker", lab.PlatformFor(ResourceDecl{Name: "a"}))
	assert.Equal(t, "vsphere", lab.PlatformFor(ResourceDecl{Name: "b", Platform: "vsphere"}))
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		reason string
	}{
		{
			name:   "missing lab name",
			yaml:   "resources:\n  - name: a\n    kind: vm\n",
			reason: "missing_name",
		},
		{
			name:   "no resources",
			yaml:   "name: lab\nresources: []\n",
			reason: "empty",
		},
		{
			name:   "unnamed resource",
			yaml:   "name: lab\nplatform: docker\nresources:\n  - kind: vm\n",
			reason: "missing_name",
		},
		{
			name:   "duplicate names",
			yaml:   "name: lab\nplatform: docker\nresources:\n  - name: a\n    kind: vm\n  - name: a\n    kind: vm\n",
			reason: "duplicate_name",
		},
		{
			name:   "unknown kind",
			yaml:   "name: lab\nplatform: docker\nresources:\n  - name: a\n    kind: container\n",
			reason: "unknown_kind",
		},
		{
			name:   "no platform anywhere",
			yaml:   "name: lab\nresources:\n  - name: a\n    kind: vm\n",
			reason: "missing_platform",
		},
		{
			name:   "dangling dependency",
			yaml:   "name: lab\nplatform: docker\nresources:\n  - name: a\n    kind: vm\n    depends_on: [ghost]\n",
			reason: "dangling_dependency",
		},
		{
			name:   "reservation without network",
			yaml:   "name: lab\nplatform: docker\nresources:\n  - name: ip\n    kind: address_reservation\n",
			reason: "missing_network",
		},
		{
			name:   "reservation references non-network",
			yaml:   "name: lab\nplatform: docker\nresources:\n  - name: a\n    kind: vm\n  - name: ip\n    kind: address_reservation\n    network: a\n",
			reason: "invalid_network",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeValidation))

			var labErr *errors.Error
			require.ErrorAs(t, err, &labErr)
			assert.Equal(t, tt.reason, labErr.Details["reason"])
		})
	}
}

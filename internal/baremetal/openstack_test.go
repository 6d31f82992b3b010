package baremetal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthOptionsScopesProjectToItsOwnDomain(t *testing.T) {
	auth := authOptions(OpenStackConfig{
		AuthURL:           "https://keystone.example.com/v3",
		Username:          "deployer",
		Password:          "secret",
		ProjectName:       "baremetal",
		UserDomainName:    "users",
		ProjectDomainName: "infra",
	})

	assert.Equal(t, "users", auth.DomainName)
	require.NotNil(t, auth.Scope)
	assert.Equal(t, "baremetal", auth.Scope.ProjectName)
	assert.Equal(t, "infra", auth.Scope.DomainName)
	assert.True(t, auth.AllowReauth)
}

func TestAuthOptionsProjectDomainDefaultsToUserDomain(t *testing.T) {
	auth := authOptions(OpenStackConfig{
		AuthURL:        "https://keystone.example.com/v3",
		Username:       "deployer",
		ProjectName:    "baremetal",
		UserDomainName: "users",
	})

	require.NotNil(t, auth.Scope)
	assert.Equal(t, "users", auth.Scope.DomainName)
}

func TestAuthOptionsWithoutProjectStaysUnscoped(t *testing.T) {
	auth := authOptions(OpenStackConfig{
		AuthURL:        "https://keystone.example.com/v3",
		Username:       "deployer",
		UserDomainName: "users",
	})

	assert.Nil(t, auth.Scope)
}
